// Package internal wires the Grove gateway application: storage, the
// upstream-facing OAuth provider, the Grove ID client, the device
// authorization service, the MCP tool router, and the HTTP surface.
package internal

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/grovehq/grove-gateway/internal/config"
	"github.com/grovehq/grove-gateway/internal/devicecode"
	"github.com/grovehq/grove-gateway/internal/identity"
	"github.com/grovehq/grove-gateway/internal/log"
	"github.com/grovehq/grove-gateway/internal/oauth"
	"github.com/grovehq/grove-gateway/internal/server"
	"github.com/grovehq/grove-gateway/internal/services"
	"github.com/grovehq/grove-gateway/internal/storage"
	"golang.org/x/sync/errgroup"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// CLIClientID is the pre-registered public client used by the grove CLI's
// device flow.
const CLIClientID = "grove-cli"

const cleanupInterval = time.Minute

// Gateway is the assembled application.
type Gateway struct {
	config     config.Config
	httpServer *server.HTTPServer
	cleanup    *storage.CleanupManager
	storage    storage.Storage
}

// NewGateway builds the application from configuration.
func NewGateway(ctx context.Context, cfg config.Config) (*Gateway, error) {
	log.LogInfoWithFields("gateway", "Building gateway", map[string]any{
		"baseURL":  cfg.BaseURL,
		"issuer":   cfg.OAuth.Issuer,
		"services": len(cfg.Services),
	})

	store := storage.NewMemoryStorage()

	jwtSecret, err := oauth.GenerateJWTSecret(string(cfg.OAuth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("failed to setup JWT secret: %w", err)
	}

	provider, err := oauth.NewProvider(cfg.OAuth, store, jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to create OAuth provider: %w", err)
	}

	stateKey := []byte(cfg.OAuth.EncryptionKey)
	if len(stateKey) == 0 {
		stateKey = jwtSecret
	}
	stateCodec := oauth.NewStateCodec(stateKey, 10*time.Minute)

	identityClient := identity.NewClient(cfg.Identity)
	deviceService := devicecode.NewService(store, jwtSecret, cfg.OAuth.Issuer)

	// The CLI client ships pre-registered so devices can start the flow
	// without dynamic registration.
	if _, err := store.CreateClient(ctx, CLIClientID, nil, []string{"openid", "profile", "email", "offline_access"}, cfg.OAuth.Issuer); err != nil {
		return nil, fmt.Errorf("failed to register CLI client: %w", err)
	}

	registry := services.NewRegistry(cfg.Services)
	toolRouter := server.NewToolRouter(registry, store, Version)

	authHandlers := server.NewAuthHandlers(
		provider,
		store,
		identityClient,
		stateCodec,
		deviceService,
		cfg.OAuth.Issuer,
		cfg.OAuth.TokenTTL,
	)

	bearerMiddleware := oauth.NewValidateTokenMiddleware(provider, deviceCallerVerifier(deviceService))
	mux := buildHTTPHandler(authHandlers, toolRouter, bearerMiddleware)

	return &Gateway{
		config:     cfg,
		httpServer: server.NewHTTPServer(mux, cfg.Addr),
		cleanup:    storage.NewCleanupManager(store, cleanupInterval),
		storage:    store,
	}, nil
}

// deviceCallerVerifier adapts device access tokens into callers for the
// bearer middleware.
func deviceCallerVerifier(deviceService *devicecode.Service) oauth.FallbackVerifier {
	return func(token string) (oauth.Caller, bool) {
		claims, err := deviceService.VerifyAccessToken(token)
		if err != nil {
			return oauth.Caller{}, false
		}
		return oauth.Caller{
			Identity: identity.Identity{
				UserID:  claims.UserID,
				Email:   claims.Email,
				Tenants: claims.Tenants,
			},
			SessionID: claims.SessionID,
		}, true
	}
}

// buildHTTPHandler registers all routes with their middleware chains.
func buildHTTPHandler(
	authHandlers *server.AuthHandlers,
	toolRouter *server.ToolRouter,
	bearerMiddleware server.MiddlewareFunc,
) http.Handler {
	mux := http.NewServeMux()

	corsMiddleware := server.NewCORSMiddleware(nil)
	oauthLogger := server.NewLoggerMiddleware("oauth")
	mcpLogger := server.NewLoggerMiddleware("mcp")
	oauthRecover := server.NewRecoverMiddleware("oauth")
	mcpRecover := server.NewRecoverMiddleware("mcp")

	oauthMiddleware := []server.MiddlewareFunc{
		corsMiddleware,
		oauthLogger,
		oauthRecover,
	}
	protectedMiddleware := []server.MiddlewareFunc{
		bearerMiddleware,
		corsMiddleware,
		oauthLogger,
		oauthRecover,
	}

	mux.HandleFunc("/health", server.HealthHandler)

	mux.Handle("/.well-known/oauth-authorization-server", server.ChainMiddleware(http.HandlerFunc(authHandlers.WellKnownHandler), oauthMiddleware...))
	mux.Handle("/authorize", server.ChainMiddleware(http.HandlerFunc(authHandlers.AuthorizeHandler), oauthMiddleware...))
	mux.Handle("/oauth/callback", server.ChainMiddleware(http.HandlerFunc(authHandlers.CallbackHandler), oauthMiddleware...))
	mux.Handle("/token", server.ChainMiddleware(http.HandlerFunc(authHandlers.TokenHandler), oauthMiddleware...))
	mux.Handle("/register", server.ChainMiddleware(http.HandlerFunc(authHandlers.RegisterHandler), oauthMiddleware...))
	mux.Handle("/auth/device-code", server.ChainMiddleware(http.HandlerFunc(authHandlers.DeviceCodeHandler), oauthMiddleware...))

	mux.Handle("/auth/device/approve", server.ChainMiddleware(http.HandlerFunc(authHandlers.DeviceApproveHandler), protectedMiddleware...))
	mux.Handle("/auth/device/deny", server.ChainMiddleware(http.HandlerFunc(authHandlers.DeviceDenyHandler), protectedMiddleware...))
	mux.Handle("/logout", server.ChainMiddleware(http.HandlerFunc(authHandlers.LogoutHandler), protectedMiddleware...))
	mux.Handle("/userinfo", server.ChainMiddleware(http.HandlerFunc(authHandlers.UserInfoHandler), protectedMiddleware...))

	mcpMiddleware := []server.MiddlewareFunc{
		bearerMiddleware,
		corsMiddleware,
		mcpLogger,
		mcpRecover,
	}
	mux.Handle("/mcp", server.ChainMiddleware(toolRouter.Handler(), mcpMiddleware...))

	return mux
}

// Run starts the gateway and blocks until a signal or a fatal error.
func (g *Gateway) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g.cleanup.Start(ctx)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := g.httpServer.Start(); err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()

		log.LogInfoWithFields("gateway", "Starting graceful shutdown", map[string]any{
			"timeout": "30s",
		})
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		g.cleanup.Stop()
		return g.httpServer.Stop(shutdownCtx)
	})

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		return err
	}

	log.Logf("Gateway shutdown complete")
	return nil
}
