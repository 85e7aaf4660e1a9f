// Package relay provides a presence and room relay: clients connect over
// authenticated websockets, join ephemeral rooms, and exchange chat,
// document-update, and presence envelopes which the relay routes to the
// right set of peers.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/collabd/relay/internal/permission"
)

var errMissingStatsScope = errors.New("token missing relay:stats scope")

// Relay runs a presence and room relay instance until closed is closed
func Relay(closed chan struct{}, parentwg *sync.WaitGroup, config Config) {

	defer parentwg.Done()

	hub := config.Hub
	if hub == nil {
		hub = NewHub()
	}

	go hub.Run(closed)

	router := mux.NewRouter()

	router.HandleFunc("/connect", func(w http.ResponseWriter, r *http.Request) {
		serveWs(closed, hub, w, r, config)
	})

	router.HandleFunc("/status", statusHandler(hub, config)).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.HandleFunc("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(config.Listen),
		Handler: router,
	}

	go func() {
		<-closed
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Errorf("relay server shutdown error: %s", err.Error())
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("relay server error: %s", err.Error())
	}

	log.Trace("Relay done")
}

// statusHandler reports on current connections; requires a bearer token
// with the relay:stats scope
func statusHandler(hub *Hub, config Config) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {

		claims, err := checkCredential(credential(r), config.Audience, config.Secret)

		if err == nil && !claims.HasScope(permission.ScopeStats) {
			err = errMissingStatsScope
		}

		if err != nil {
			log.WithFields(log.Fields{"error": err, "remoteAddr": r.RemoteAddr}).Info("Unauthorized status request")
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		w.Header().Set("Content-Type", "application/json")

		if err := json.NewEncoder(w).Encode(hub.GetStats()); err != nil {
			log.WithField("error", err).Error("encoding status report")
		}
	}
}
