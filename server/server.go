package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/odpf/kleidi/config"
)

const (
	shutdownWait = 30 * time.Second
)

func checkRequiredConfigs(conf config.Serve) error {
	errRequiredMissing := errors.New("required config missing")
	if conf.DB.DSN == "" {
		return fmt.Errorf("serve.db.dsn: %w", errRequiredMissing)
	}
	if parsed, err := url.Parse(conf.DB.DSN); err != nil {
		return fmt.Errorf("failed to parse serve.db.dsn: %w", err)
	} else if parsed.Scheme != "postgres" {
		return errors.New("unsupported database scheme, use 'postgres'")
	}
	if conf.AppKey == "" {
		return fmt.Errorf("serve.app_key: %w", errRequiredMissing)
	}
	return nil
}

func newRouter() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "pong")
	}).Methods(http.MethodGet)
	return router
}

func prepareHTTPServer(addr string, handler http.Handler) *http.Server {
	//nolint: gomnd
	return &http.Server{
		Handler:      otelhttp.NewHandler(handler, "api"),
		Addr:         addr,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}
