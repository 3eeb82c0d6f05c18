package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/gorilla/mux"
	"github.com/odpf/salt/log"
	"gorm.io/gorm"

	"github.com/odpf/kleidi/config"
	"github.com/odpf/kleidi/core/keybot"
	v1handler "github.com/odpf/kleidi/core/keybot/handler/v1"
	"github.com/odpf/kleidi/core/keybot/service"
	"github.com/odpf/kleidi/ext/bucket"
	"github.com/odpf/kleidi/ext/cloud"
	awsdriver "github.com/odpf/kleidi/ext/cloud/aws"
	"github.com/odpf/kleidi/internal/errors"
	"github.com/odpf/kleidi/internal/store/postgres"
	keybotstore "github.com/odpf/kleidi/internal/store/postgres/keybot"
	"github.com/odpf/kleidi/internal/telemetry"
	"github.com/odpf/kleidi/internal/vault"
)

type setupFn func() error

type KeybotServer struct {
	conf   *config.ServerConfig
	logger log.Logger

	vault      *vault.Vault
	dbConn     *gorm.DB
	awsSession *session.Session
	dispatcher *service.Dispatcher

	router     *mux.Router
	serverAddr string
	httpServer *http.Server

	cleanupFn []func() error
}

func New(conf *config.ServerConfig) (*KeybotServer, error) {
	addr := fmt.Sprintf("%s:%d", conf.Serve.Host, conf.Serve.Port)
	server := &KeybotServer{
		conf:       conf,
		serverAddr: addr,
		logger:     NewLogger(conf.Log),
		router:     newRouter(),
	}

	if err := checkRequiredConfigs(conf.Serve); err != nil {
		return server, err
	}

	setupFns := []setupFn{
		server.setupTelemetry,
		server.setupVault,
		server.setupDB,
		server.setupAWS,
		server.setupHandlers,
		server.setupHTTPServer,
	}

	for _, fn := range setupFns {
		if err := fn(); err != nil {
			return server, err
		}
	}

	server.logger.Info("Starting Kleidi", "version", config.BuildVersion)
	server.startListening()

	return server, nil
}

func (s *KeybotServer) setupTelemetry() error {
	teleShutdown, err := telemetry.Init(s.logger, s.conf.Telemetry)
	if err != nil {
		return err
	}

	s.cleanupFn = append(s.cleanupFn, func() error {
		teleShutdown()
		return nil
	})
	return nil
}

func (s *KeybotServer) setupVault() error {
	key, err := vault.KeyFromString(s.conf.Serve.AppKey)
	if err != nil {
		return fmt.Errorf("vault.KeyFromString: %w", err)
	}
	s.vault = vault.NewVault(key)
	return nil
}

func (s *KeybotServer) setupDB() error {
	if err := postgres.Migrate(s.conf.Serve.DB.DSN); err != nil {
		return fmt.Errorf("error executing migration up: %w", err)
	}

	var err error
	s.dbConn, err = postgres.Connect(s.conf.Serve.DB, s.logger.Writer())
	if err != nil {
		return fmt.Errorf("postgres.Connect: %w", err)
	}
	return nil
}

func (s *KeybotServer) setupAWS() error {
	sess, err := session.NewSession(aws.NewConfig().WithRegion(s.conf.Cloud.AWS.Region))
	if err != nil {
		return fmt.Errorf("session.NewSession: %w", err)
	}
	s.awsSession = sess
	return nil
}

func (s *KeybotServer) setupHandlers() error {
	ctx := context.Background()
	buckets := bucket.NewFactory(s.awsSession)

	resourceBucket, err := buckets.New(ctx, s.conf.Storage.ResourcesURL)
	if err != nil {
		return fmt.Errorf("unable to open resources bucket: %w", err)
	}
	s.cleanupFn = append(s.cleanupFn, resourceBucket.Close)

	var releases service.ReleaseResolver
	if s.conf.Storage.ReleasesURL != "" {
		releaseBucket, err := buckets.New(ctx, s.conf.Storage.ReleasesURL)
		if err != nil {
			return fmt.Errorf("unable to open releases bucket: %w", err)
		}
		s.cleanupFn = append(s.cleanupFn, releaseBucket.Close)
		releases = bucket.NewReleaseVersion(releaseBucket, s.conf.Storage.ReleaseKey, s.conf.Storage.VersionKey, s.conf.Storage.CallTimeout)
	}

	drivers := cloud.NewRegistry()
	if err := drivers.Register(keybot.ProviderAWS, awsdriver.NewECSDriverFromSession(s.awsSession, s.conf.Cloud.AWS)); err != nil {
		return err
	}

	s.dispatcher = service.NewDispatcher(s.logger, s.conf.Serve.Dispatcher)
	// dispatcher drains before the buckets close
	s.cleanupFn = append([]func() error{s.dispatcher.Close}, s.cleanupFn...)

	// repositories
	serviceRepo := keybotstore.NewServiceRepository(s.dbConn)
	credentialsRepo := keybotstore.NewCredentialsRepository(s.dbConn)
	ownerRepo := keybotstore.NewOwnerRepository(s.dbConn)

	// services
	credentialService := service.NewCredentialService(s.logger, credentialsRepo, s.vault)
	resourceService := service.NewResourceService(s.logger, resourceBucket, s.conf.Storage)
	serviceManager := service.NewServiceManager(s.logger, serviceRepo, ownerRepo, credentialService,
		resourceService, drivers, releases, s.dispatcher)

	v1handler.NewKeybotHandler(s.logger, serviceManager, config.BuildVersion).RegisterRoutes(s.router)
	return nil
}

func (s *KeybotServer) setupHTTPServer() error {
	handler := recoveryMiddleware(s.logger, s.router)
	handler = loggingMiddleware(s.logger, handler)
	s.httpServer = prepareHTTPServer(s.serverAddr, handler)
	return nil
}

func (s *KeybotServer) startListening() {
	// run our server in a goroutine so that it doesn't block to wait for termination requests
	go func() {
		s.logger.Info("Listening at", "address", s.serverAddr)
		if err := s.httpServer.ListenAndServe(); err != nil {
			if err != http.ErrServerClosed {
				s.logger.Fatal("server error", "error", err)
			}
		}
	}()
}

func (s *KeybotServer) Shutdown() {
	s.logger.Warn("Shutting down server")
	me := errors.NewMultiError("errors during shutdown")

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownWait)
		defer cancel()
		me.Append(s.httpServer.Shutdown(ctx))
	}

	for _, fn := range s.cleanupFn {
		me.Append(fn())
	}

	if s.dbConn != nil {
		if sqlConn, err := s.dbConn.DB(); err != nil {
			me.Append(err)
		} else {
			me.Append(sqlConn.Close())
		}
	}

	if me.Len() > 0 {
		s.logger.Error("server shutdown incomplete", "error", me.Error())
		return
	}
	s.logger.Info("Server shutdown complete")
}
