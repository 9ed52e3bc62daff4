// Package app wires the development relay: REST collaborator endpoints,
// the socket endpoint and the event handlers between them.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/putto11262002/realtime/core"
	"github.com/putto11262002/realtime/pkg/router"
	"github.com/putto11262002/realtime/pkg/wire"
)

type App struct {
	config      *Config
	db          *core.SQLiteDB
	context     context.Context
	cancel      context.CancelFunc
	server      *http.Server
	logger      *slog.Logger
	router      *router.Router
	registry    *prometheus.Registry
	eventRouter *core.EventRouter
	wsManager   *core.ConnManager
	// lastSeen records when users last disconnected.
	lastSeen    *core.SyncMap[string, time.Time]
	now         func() time.Time

	userStore    core.UserStore
	messageStore core.MessageStore
	authStore    core.AuthStore

	userHandler    *UserHandler
	messageHandler *MessageHandler
	authHandler    *AuthHandler

	cleanupFuncs []func(context.Context)
	closeOnce    sync.Once
	wg           sync.WaitGroup
}

// NewLogger builds the relay's text logger with short source locations.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				source, _ := a.Value.Any().(*slog.Source)
				if source != nil {
					source.File = filepath.Base(source.File)
				}
			}
			return a
		},
	}))
}

// New opens the database, applies migrations and wires every route and
// socket handler. The relay stops when ctx is done or Close is called.
func New(ctx context.Context, config *Config, logger *slog.Logger) (*App, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%s", FormatValidationErrors(err))
	}

	app := &App{
		config:   config,
		logger:   logger,
		now:      time.Now,
		lastSeen: core.NewSyncMap[string, time.Time](),
	}
	app.context, app.cancel = context.WithCancel(ctx)

	var err error
	app.db, err = core.NewSQLiteDB(config.SQLite.File, &core.SQLiteDBOption{
		Mode:        "rwc",
		JournalMode: "WAL",
		BusyTimeout: config.SQLite.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := app.db.Migrate(); err != nil {
		app.db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	app.userStore = core.NewSQLiteUserStore(app.db.DB)
	app.messageStore = core.NewSQLiteMessageStore(app.db.DB)
	app.authStore = core.NewJWTAuthStore(app.userStore, config.Auth.Secret, config.Auth.TokenTTL)

	app.wsManager = core.NewConnManager(app.context,
		core.WithLogger(logger.WithGroup("ws")),
		core.WithMetrics(core.NewMetrics(app.registry)),
		core.WithStreamSizes(config.WriteQueue, config.WriteQueue),
		core.WithCheckOrigin(app.checkOrigin),
	)
	app.wsManager.OnUserConnected(app.onUserConnect)
	app.wsManager.OnConnectionOpened(app.onConnectionOpen)
	app.wsManager.OnUserDisconnected(app.onUserDisconnect)

	app.eventRouter = core.NewEventRouter(app.wsManager, logger.WithGroup("events"))
	app.eventRouter.On(wire.MessageNew, app.MessageEventHandler)
	app.eventRouter.On(wire.MessageDelivered, app.ReceiptHandler(wire.StatusDelivered))
	app.eventRouter.On(wire.MessageRead, app.ReceiptHandler(wire.StatusRead))
	app.eventRouter.On(wire.TypingStart, app.TypingHandler)
	app.eventRouter.On(wire.TypingStop, app.TypingHandler)
	app.eventRouter.On(wire.PresenceQuery, app.PresenceQueryHandler)

	app.userHandler = NewUserHandler(app.userStore)
	app.messageHandler = NewMessageHandler(app.userStore, app.messageStore, app.eventRouter)
	app.authHandler = NewAuthHandler(app.authStore)

	app.routes()

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", config.Hostname, config.Port),
		Handler:           app.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return app.context
		},
	}
	if config.Mode == ProdMode {
		app.server.TLSConfig = tlsConfig()
	}

	app.AddCleanupFunc(func(ctx context.Context) {
		app.server.Shutdown(ctx)
	})
	app.AddCleanupFunc(func(context.Context) {
		app.cancel()
		app.wsManager.Wait()
		app.wg.Wait()
		app.db.Close()
	})
	return app, nil
}

func (app *App) routes() {
	authMiddleware := core.JWTMiddleware(app.authStore)

	app.router = router.New(router.WithLogger(app.logger.WithGroup("http")))
	app.router.RegisterErrorMapper(core.ErrBadCredentials, router.StatusMapper(http.StatusUnauthorized))
	app.router.RegisterErrorMapper(core.ErrConflictedUser, router.StatusMapper(http.StatusConflict))
	app.router.RegisterErrorMapper(core.ErrUserNotFound, router.StatusMapper(http.StatusNotFound))
	app.router.RegisterErrorMapper(core.ErrMessageNotFound, router.StatusMapper(http.StatusNotFound))
	app.router.RegisterErrorMapper(core.ErrNotParticipant, router.StatusMapper(http.StatusForbidden))
	app.router.RegisterErrorMapper(errSelfConversation, router.StatusMapper(http.StatusBadRequest))

	app.router.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   app.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	app.router.Router.Handle("/metrics", promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}))
	app.router.With(authMiddleware).Get("/ws", app.SocketHandler)

	app.router.Route("/api", func(api *router.Router) {
		api.Post("/auth/signin", app.authHandler.SigninHandler)
		api.Post("/users", app.userHandler.RegisterUserHandler)

		api.Group(func(r *router.Router) {
			r.Use(authMiddleware)
			r.Get("/users", app.userHandler.GetUsersHandler)
			r.Get("/users/me", app.userHandler.MeHandler)
			r.Get("/users/{username}", app.userHandler.GetUserByUsernameHandler)

			r.Get("/conversations", app.messageHandler.ConversationsHandler)
			r.Get("/conversations/{peer}/messages", app.messageHandler.HistoryHandler)
			r.Post("/conversations/{peer}/messages", app.messageHandler.SendTextHandler)
			r.Post("/conversations/{peer}/attachments", app.messageHandler.SendAttachmentHandler)
			r.Post("/conversations/{peer}/read", app.messageHandler.MarkReadHandler)

			r.Post("/broadcasts", app.BroadcastHandler)
		})
	})
}

// SocketHandler upgrades an authenticated request. A user_id query
// parameter, when present, must name the token's user.
func (app *App) SocketHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	if id := r.URL.Query().Get("user_id"); id != "" && id != session.Username {
		return router.Errorf(http.StatusForbidden, "user_id %q does not match token", id)
	}
	if err := app.wsManager.Connect(session.Username, session.ExpiresAt, w, r); err != nil {
		// the upgrader already wrote the response
		app.logger.Warn(err.Error())
	}
	return nil
}

func (app *App) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range app.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Handler returns the relay's HTTP handler.
func (app *App) Handler() http.Handler {
	return app.router
}

// Start begins routing socket events.
func (app *App) Start() {
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.eventRouter.Listen(app.context)
	}()
}

// Run starts the relay and serves HTTP until the context passed to New is
// done, then shuts down within timeout.
func (app *App) Run(timeout time.Duration) error {
	app.Start()

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info(fmt.Sprintf("relay running in %s mode on %s", app.config.Mode, app.server.Addr))
		var err error
		if app.config.TLS.Crt != "" && app.config.TLS.Key != "" {
			err = app.server.ListenAndServeTLS(app.config.TLS.Crt, app.config.TLS.Key)
		} else {
			err = app.server.ListenAndServe()
		}
		errCh <- err
	}()

	var serveErr error
	select {
	case <-app.context.Done():
	case serveErr = <-errCh:
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	closeErr := app.Close(ctx)

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", serveErr)
	}
	return closeErr
}

func (app *App) AddCleanupFunc(f func(context.Context)) {
	app.cleanupFuncs = append(app.cleanupFuncs, f)
}

// Close runs the cleanup funcs in order. It returns an error if they do
// not finish before ctx is done.
func (app *App) Close(ctx context.Context) error {
	var err error
	app.closeOnce.Do(func() {
		done := make(chan struct{})
		go func() {
			defer close(done)
			for _, f := range app.cleanupFuncs {
				f(ctx)
			}
		}()
		select {
		case <-done:
			app.logger.Info("relay shut down gracefully")
		case <-ctx.Done():
			err = fmt.Errorf("shutdown: %w", ctx.Err())
		}
	})
	return err
}
