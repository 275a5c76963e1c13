package handler

import (
	"net/http"

	"github.com/kiranshivaraju/tryonhub/internal/api/response"
)

// Pusher runs a push channel. *notify.Hub implements it.
type Pusher interface {
	Serve(w http.ResponseWriter, r *http.Request, userID int64)
}

// NewPushHandler handles GET /ws/users/{userID}. The authenticated key must
// belong to userID.
func NewPushHandler(p Pusher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authUser, ok := requireUser(w, r)
		if !ok {
			return
		}
		userID, ok := pathID(r, "userID")
		if !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "userID must be a positive integer", nil)
			return
		}
		if userID != authUser {
			response.Error(w, http.StatusForbidden, "FORBIDDEN", "Token does not belong to this user", nil)
			return
		}
		p.Serve(w, r, userID)
	}
}
