package controllers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/nearmarket/escrow-engine/api/middleware"
	"github.com/nearmarket/escrow-engine/internal/escrow"
	"github.com/nearmarket/escrow-engine/pkg/enums"
	pkgerrors "github.com/nearmarket/escrow-engine/pkg/errors"
)

// actorFromRequest rebuilds the authenticated actor from the claims the auth
// middleware stored on the context.
func actorFromRequest(r *http.Request) (escrow.Actor, error) {
	userID, err := uuid.Parse(middleware.UserIDFromContext(r.Context()))
	if err != nil {
		return escrow.Actor{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials")
	}
	role, err := enums.ParseActorRole(middleware.RoleFromContext(r.Context()))
	if err != nil {
		return escrow.Actor{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "unknown actor role")
	}
	return escrow.Actor{UserID: userID, Role: role}, nil
}
