package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"trunkgw-server/pkg/auth"
	"trunkgw-server/pkg/config"
	"trunkgw-server/pkg/metrics"
	"trunkgw-server/pkg/sdp"
	"trunkgw-server/pkg/sip"
	"trunkgw-server/pkg/util"
)

var (
	logger = logrus.New()

	appConfig  *config.Config
	sipHandler *sip.Handler
	httpServer *http.Server

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

func main() {
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)
	logger.SetLevel(logrus.InfoLevel)

	rootCtx, rootCancel = context.WithCancel(context.Background())
	defer rootCancel()

	if err := run(); err != nil {
		logger.WithError(err).Fatal("Trunk gateway failed")
	}
}

func run() error {
	var err error
	appConfig, err = config.Load(logger)
	if err != nil {
		return err
	}
	if err := appConfig.ApplyLogging(logger); err != nil {
		return err
	}
	appConfig.LogStartup(logger)

	metrics.Init(logger)

	negotiator := sdp.NewNegotiator(logger)
	authStore := auth.NewSessionStore(auth.Credential{
		Username: appConfig.Downstream.Username,
		Realm:    appConfig.Downstream.Realm,
		Password: appConfig.Downstream.Password,
	}, logger)

	sipHandler, err = sip.NewHandler(logger, &sip.Config{
		DownstreamDomain:    appConfig.Downstream.Domain,
		DownstreamAddress:   appConfig.Downstream.Address,
		DestinationUser:     appConfig.Downstream.Destination,
		ContactUser:         appConfig.Identity.ContactUser,
		ExternalHost:        appConfig.Identity.ExternalHost,
		MaxChallengeRetries: appConfig.Downstream.MaxChallengeRetries,
		ResponseTimeout:     appConfig.Downstream.ResponseTimeout,
		MaxConcurrentCalls:  appConfig.Resources.MaxConcurrentCalls,
		DialogTimeout:       appConfig.Resources.DialogTimeout,
	}, negotiator, authStore)
	if err != nil {
		return err
	}
	sipHandler.SetupHandlers()

	shutdown := util.NewGracefulShutdown(logger, 30*time.Second)
	shutdown.Register(util.ShutdownResource{
		Name:     "sip-handler",
		Priority: 10,
		Shutdown: func(context.Context) error {
			sipHandler.Shutdown()
			return nil
		},
	})

	errChan := make(chan error, 4)
	startSIPListeners(errChan)

	if appConfig.HTTP.Enabled {
		startHTTPServer(errChan)
		shutdown.Register(util.ShutdownResource{
			Name:     "http-server",
			Priority: 5,
			Shutdown: func(ctx context.Context) error {
				return httpServer.Shutdown(ctx)
			},
		})
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Received shutdown signal")
	case err := <-errChan:
		logger.WithError(err).Error("Server failure, shutting down")
	}

	rootCancel()
	return shutdown.Shutdown(context.Background())
}

func startSIPListeners(errChan chan<- error) {
	address := net.JoinHostPort(appConfig.Network.Host, fmt.Sprint(appConfig.Network.Port))

	for _, transport := range appConfig.Network.Transports {
		transport := transport
		go func() {
			logger.WithFields(logrus.Fields{
				"transport": transport,
				"address":   address,
			}).Info("Starting SIP listener")
			if err := sipHandler.ListenAndServe(rootCtx, transport, address); err != nil {
				errChan <- fmt.Errorf("SIP %s listener failed: %w", transport, err)
			}
		}()
	}

	if appConfig.Network.EnableTLS {
		tlsAddress := net.JoinHostPort(appConfig.Network.Host, fmt.Sprint(appConfig.Network.TLSPort))
		go func() {
			tlsConfig, err := createTLSConfig()
			if err != nil {
				errChan <- err
				return
			}
			logger.WithField("address", tlsAddress).Info("Starting SIP TLS listener")
			if err := sipHandler.Server.ListenAndServeTLS(rootCtx, "tcp", tlsAddress, tlsConfig); err != nil {
				errChan <- fmt.Errorf("SIP TLS listener failed: %w", err)
			}
		}()
	}
}

func createTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(appConfig.Network.TLSCertFile, appConfig.Network.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate and key: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func startHTTPServer(errChan chan<- error) {
	mux := http.NewServeMux()
	metrics.RegisterHandler(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","active_calls":%d}`, sipHandler.GetActiveCallCount())
	})

	httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", appConfig.HTTP.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.WithField("port", appConfig.HTTP.Port).Info("Starting HTTP observability server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server failed: %w", err)
		}
	}()
}
