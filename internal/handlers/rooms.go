// internal/handlers/rooms.go
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/jason-s-yu/guess/internal/game"
	"github.com/sirupsen/logrus"
)

// RoomsHandler serves GET /rooms, the open rooms as JSON for lobby pages.
func RoomsHandler(logger *logrus.Logger, rooms *game.RoomStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(rooms.Summaries()); err != nil {
			logger.WithError(err).Warn("failed to encode room list")
		}
	}
}
