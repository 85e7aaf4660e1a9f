package relay

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/collabd/relay/internal/permission"
)

// null subprotocol required by Chrome
// origin checks are omitted because every connection must present a token
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	Subprotocols:    []string{"null"},
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// credential extracts the opaque token supplied at connect time, either as
// a query parameter (browser websocket clients cannot set headers) or as a
// bearer header
func credential(r *http.Request) string {

	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

// checkCredential resolves a token to validated claims, or an error if the
// connection must be refused
func checkCredential(bearer, audience, secret string) (*permission.Token, error) {

	if bearer == "" {
		return nil, fmt.Errorf("no token")
	}

	claims := &permission.Token{}

	token, err := jwt.ParseWithClaims(bearer, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method was %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})

	if err != nil {
		return nil, err
	}

	if !token.Valid { //checks iat, nbf, exp
		return nil, fmt.Errorf("token invalid")
	}

	if !claims.RegisteredClaims.VerifyAudience(audience, true) {
		return nil, fmt.Errorf("aud %s does not match this relay %s", claims.RegisteredClaims.Audience, audience)
	}

	if !permission.HasRequiredClaims(*claims) {
		return nil, fmt.Errorf("token missing required claims")
	}

	return claims, nil
}

// serveWs handles websocket requests from clients. The credential is
// validated before the upgrade so a refused connection never performs any
// room or identity processing.
func serveWs(closed <-chan struct{}, hub *Hub, w http.ResponseWriter, r *http.Request, config Config) {

	claims, err := checkCredential(credential(r), config.Audience, config.Secret)

	if err == nil && !claims.HasScope(permission.ScopeConnect) {
		err = fmt.Errorf("token missing %s scope", permission.ScopeConnect)
	}

	if err != nil {
		log.WithFields(log.Fields{"error": err, "remoteAddr": r.RemoteAddr}).Info("Unauthorized")
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithField("error", err).Error("serveWs failed to upgrade to websocket")
		return
	}

	log.WithField("user", claims.Subject).Trace("upgraded to ws") //Cannot return any http responses from here on

	ttl := claims.ExpiresAt.Unix() - time.Now().Unix()

	client := &Client{hub: hub,
		conn:       conn,
		send:       make(chan message, 256),
		name:       uuid.New().String(),
		userID:     claims.Subject,
		rooms:      make(map[string]bool),
		superseded: make(chan struct{}),
		done:       make(chan struct{}),
		expiresAt:  claims.ExpiresAt.Unix(),
		stats:      newStats(),
		userAgent:  r.UserAgent(),
		remoteAddr: r.Header.Get("X-Forwarded-For"),
	}

	cancelled := make(chan struct{})

	// cancel the connection when the token expires; a connection that
	// closes first releases the timer rather than parking for the TTL
	go func() {
		timer := time.NewTimer(time.Duration(ttl) * time.Second)
		defer timer.Stop()
		select {
		case <-timer.C:
			close(cancelled)
		case <-client.done:
		}
	}()

	client.hub.register <- client

	go client.writePump(closed, cancelled)
	go client.readPump()
}
