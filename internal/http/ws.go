package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"

	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
)

const (
	roleRider     = "RIDER"
	rolePassenger = "PASSENGER"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// inboundFrame mirrors dispatch.Envelope but keeps the payload raw until the
// event name is known.
type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// handleWS authenticates the connection, registers it under the user's id
// and starts the read loop. Role and identity are established here, at the
// boundary; the matcher trusts them.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID, role, err := s.authenticateWS(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote the response
	}
	wsc := s.wsreg.Add(userID, conn)
	s.logger.Info("ws connected", "user_id", userID, "role", role)
	if role == roleRider {
		s.setRiderPresence(userID, true)
	}
	go s.readLoop(conn, wsc, userID, role)
}

// setRiderPresence flips the rider's online flag on connect/disconnect and
// keeps the gauge, the geo index and the shared index feed in step. Unknown
// riders (no directory record yet) are left alone.
func (s *Server) setRiderPresence(userID string, online bool) {
	ctx := context.Background()
	rider, err := s.riders.GetRider(ctx, userID)
	if err != nil || rider.Online == online {
		return
	}
	rider.Online = online
	if err := s.riders.UpsertRider(ctx, rider); err != nil {
		s.logger.Warn("rider presence update failed", "rider_id", userID, "error", err)
		return
	}
	if online {
		observability.RidersOnline.Inc()
	} else {
		observability.RidersOnline.Dec()
	}
	s.geo.Upsert(*rider)
	if s.kafka != nil {
		if err := s.kafka.PublishLocation(*rider); err != nil {
			s.logger.Warn("presence publish failed", "rider_id", userID, "error", err)
		}
	}
}

func (s *Server) authenticateWS(r *http.Request) (userID, role string, err error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if token == "" {
		return "", "", fmt.Errorf("missing token")
	}

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return "", "", err
	}
	userID, _ = claims["sub"].(string)
	role, _ = claims["role"].(string)
	if userID == "" || (role != roleRider && role != rolePassenger) {
		return "", "", fmt.Errorf("invalid claims")
	}
	return userID, role, nil
}

func (s *Server) readLoop(conn *websocket.Conn, wsc *dispatch.WSConn, userID, role string) {
	defer func() {
		s.wsreg.Remove(userID, wsc)
		_ = conn.Close()
		if role == roleRider {
			s.setRiderPresence(userID, false)
		}
		s.logger.Info("ws disconnected", "user_id", userID)
	}()
	for {
		var frame inboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		s.handleWSEvent(userID, role, frame)
	}
}

// handleWSEvent routes one inbound gateway event. Events from the wrong role
// are dropped without a reply, as are malformed payloads.
func (s *Server) handleWSEvent(userID, role string, frame inboundFrame) {
	ctx := context.Background()
	switch frame.Event {
	case "rider:location":
		if role != roleRider {
			return
		}
		var loc models.Coord
		if err := json.Unmarshal(frame.Data, &loc); err != nil {
			return
		}
		if err := s.matcher.UpdateRiderLocation(ctx, userID, loc.Lat, loc.Lng); err != nil {
			s.logger.Warn("rider location update failed", "rider_id", userID, "error", err)
		}
		// Publish the stored record, never a synthesized one: the consumer
		// mirrors presence/approval flags into the shared index verbatim.
		if s.kafka != nil {
			if rider, err := s.riders.GetRider(ctx, userID); err == nil {
				if err := s.kafka.PublishLocation(*rider); err != nil {
					s.logger.Warn("location publish failed", "rider_id", userID, "error", err)
				}
			}
		}

	case "trip:request":
		if role != rolePassenger {
			return
		}
		var data struct {
			TripID string `json:"trip_id"`
		}
		if err := json.Unmarshal(frame.Data, &data); err != nil || data.TripID == "" {
			return
		}
		trip, err := s.trips.Get(ctx, data.TripID)
		if err != nil || trip.PassengerID != userID {
			return
		}
		go func() {
			if err := s.matcher.StartMatching(context.Background(), data.TripID); err != nil {
				s.logger.Error("matching start failed", "trip_id", data.TripID, "error", err)
			}
		}()

	case "trip:accept", "trip:reject":
		if role != roleRider {
			return
		}
		var data struct {
			TripID string `json:"trip_id"`
		}
		if err := json.Unmarshal(frame.Data, &data); err != nil || data.TripID == "" {
			return
		}
		go func() {
			var err error
			if frame.Event == "trip:accept" {
				err = s.matcher.AcceptTrip(context.Background(), data.TripID, userID)
			} else {
				err = s.matcher.RejectOffer(context.Background(), data.TripID, userID)
			}
			if err != nil {
				s.logger.Warn("trip response failed", "trip_id", data.TripID, "rider_id", userID, "error", err)
			}
		}()
	}
}
