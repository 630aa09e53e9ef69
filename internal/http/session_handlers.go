package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-lifecycle/internal/dispatch"
	"github.com/example/ride-lifecycle/internal/lifecycle"
	"github.com/example/ride-lifecycle/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type signUpBody struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Fullname string `json:"fullname"`
}

type signInBody struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionView struct {
	Token      string              `json:"token"`
	User       models.UserIdentity `json:"user"`
	ActiveRide *models.Ride        `json:"active_ride,omitempty"`
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body signUpBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	user, err := s.Auth.SignUp(r.Context(), body.Email, body.Password, body.Fullname)
	if err != nil {
		writeError(w, err)
		return
	}
	s.startSession(w, r, user, http.StatusCreated)
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body signInBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	user, err := s.Auth.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	s.startSession(w, r, user, http.StatusOK)
}

// startSession issues a token and opens the passenger's session, restoring any
// ride still in progress from an earlier session.
func (s *Server) startSession(w http.ResponseWriter, r *http.Request, user models.UserIdentity, status int) {
	token, err := s.Tokens.Issue(user)
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := s.Sessions.Open(r.Context(), user.ID)
	if err != nil {
		s.logger.Warn("restore active ride", "passenger_id", user.ID, "error", err)
	}
	writeJSON(w, status, sessionView{Token: token, User: user, ActiveRide: c.ActiveRide()})
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	if err := s.Auth.SignOut(r.Context(), user.ID); err != nil {
		writeError(w, err)
		return
	}
	s.Sessions.Close(user.ID)
	w.WriteHeader(http.StatusNoContent)
}

// followAuth ends the session c as soon as the auth provider reports the user
// signed out. It runs until then or until the server shuts down.
func (s *Server) followAuth(c *lifecycle.Controller) {
	for u := range s.Auth.CurrentUser(s.ctx, c.PassengerID()) {
		if u == nil {
			s.logger.Info("user signed out, closing session", "passenger_id", c.PassengerID())
			s.Sessions.Release(c)
			return
		}
	}
}

// handleWS streams the passenger's active ride over a websocket. Once that
// stream ends the socket stays open for finished notifications.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	c := s.session(r)
	if c.ActiveRide() == nil {
		if _, err := c.RestoreActiveRide(r.Context(), user.ID); err != nil {
			writeError(w, err)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "passenger_id", user.ID, "error", err)
		return
	}
	sess := s.WS.Add(user.ID, conn)
	defer func() {
		s.WS.Remove(user.ID, sess)
		_ = conn.Close()
	}()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	go readPump(conn, cancel, s.WSPingInterval)

	err = dispatch.Stream(ctx, sess, c.ObserveActiveRide(ctx), s.WSPingInterval)
	if err == nil {
		// a nil feed only pings
		err = dispatch.Stream(ctx, sess, nil, s.WSPingInterval)
	}
	if ctx.Err() == nil {
		s.logger.Debug("websocket closed", "passenger_id", user.ID, "error", err)
	}
}

// readPump drains client frames so pongs and close frames are processed. It
// cancels the stream when the peer goes away.
func readPump(conn *websocket.Conn, cancel context.CancelFunc, pingEvery time.Duration) {
	defer cancel()
	wait := 2 * pingEvery
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
