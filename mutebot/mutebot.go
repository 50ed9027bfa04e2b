package mutebot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/ReverendTrivium/RedactedBot-sub001/mutebot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var defaultLogWriter io.Writer = os.Stdout

// MuteBot ties together the database, the discord session, the
// unmute scheduler and the optional API.
type MuteBot struct {
	config *Config

	db      *gorm.DB
	writeDB *database

	logger     *slog.Logger
	logHandler slog.Handler

	discord   *Discord
	api       *API
	scheduler *Scheduler
	mutes     *MuteService
	notifier  DBNotifier
	commands  *commandHandler

	// signalStop enables an explicit stop signal to be sent to the bot
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has connected to
	// discord. Stored mutes are recovered in the background from then on.
	signalReady chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	startedAt time.Time
}

// New builds a MuteBot from config. Nothing is connected until Run.
func New(config *Config) (*MuteBot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.Mutes == nil {
		config.Mutes = DefaultConfig().Mutes
	}

	m := &MuteBot{
		config:      config,
		signalReady: make(chan struct{}, 1),
		signalStop:  make(chan struct{}, 1),
	}

	m.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     m.config.LogLevel,
			AddSource: true,
		},
	)
	m.logger = slog.New(m.logHandler)
	slog.SetDefault(m.logger)

	if config.Discord != nil {
		discordgo.Logger = discordgoLoggerFunc(
			context.Background(),
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     config.Discord.DiscordGoLogLevel,
					AddSource: true,
				},
			),
		)
		m.discord = newDiscord(
			config.Discord,
			slog.New(
				tint.NewHandler(
					defaultLogWriter, &tint.Options{
						Level:     config.Discord.LogLevel,
						AddSource: true,
					},
				),
			),
		)
	} else {
		errs = append(errs, errors.New("missing discord config"))
	}

	m.scheduler = newScheduler(m.logger)

	if config.API != nil && config.API.Enabled {
		api, err := newAPI(&APIHandlers{scheduler: m.scheduler, discord: m.discord}, config.API)
		errs = append(errs, err)
		m.api = api
	}

	return m, errors.Join(errs...)
}

func (m *MuteBot) ValidateConfig() error {
	err := structValidator.Struct(m.config)
	if err != nil {
		return err
	}

	return nil
}

// Stop signals a running bot to shut down.
func (m *MuteBot) Stop() {
	select {
	case m.signalStop <- struct{}{}:
	default:
	}
}

// Mutes returns the mute service. Nil until Run has initialized the
// database.
func (m *MuteBot) Mutes() *MuteService {
	return m.mutes
}

// Run connects everything and blocks until ctx is cancelled or Stop
// is called, then shuts down.
//
// Startup (database, discord) must finish within
// [Config.StartupTimeout]. Stored mutes are recovered afterwards.
func (m *MuteBot) Run(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	m.startedAt = time.Now()
	logger := m.logger

	if err := m.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", m.config))

	// runtime context, cancelling it triggers a graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-m.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	runtimeWG := &sync.WaitGroup{}

	startCtx, startCancel := context.WithTimeout(ctx, m.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- m.initRun(startCtx, ctx, runtimeWG)
	}()

	select {
	case <-startCtx.Done():
		cancel()
		return errors.Join(
			fmt.Errorf("startup cancelled or timed out"),
			m.shutdown(ctx, runtimeWG),
		)
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			cancel()
			return errors.Join(err, m.shutdown(ctx, runtimeWG))
		}
		logger.InfoContext(ctx, "init complete")
	}

	// recovery checks every stored mute against discord, which can take
	// a while after a long outage, so it doesn't count against startup
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if recoverErr := m.mutes.RecoverAll(ctx); recoverErr != nil {
			// a failure for some members shouldn't stop the others
			logger.ErrorContext(ctx, "error recovering mutes", tint.Err(recoverErr))
		}
		logger.InfoContext(ctx, "mutes recovered", "armed", m.mutes.Armed())
	}()

	if m.api != nil {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			httpErr := m.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if e := m.notifier.Listen(
			ctx,
			func(lctx context.Context, guildID, userID string) {
				if resyncErr := m.mutes.Resync(lctx, guildID, userID); resyncErr != nil {
					logger.ErrorContext(
						lctx,
						"error resyncing mute",
						columnMuteGuildID, guildID,
						columnMuteUserID, userID,
						tint.Err(resyncErr),
					)
				}
			},
		); e != nil {
			logger.ErrorContext(ctx, "error listening for mute changes", tint.Err(e))
		}
	}()

	select {
	case m.signalReady <- struct{}{}:
	default:
	}
	logger.InfoContext(ctx, "ready", "startup_duration", time.Since(m.startedAt))

	<-ctx.Done()
	return m.shutdown(ctx, runtimeWG)
}

// initRun opens the database, starts the scheduler and connects to
// discord. The discord session outlives startCtx, so
// handlers are bound to ctx.
func (m *MuteBot) initRun(
	startCtx context.Context,
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	logger := m.logger

	logger.Debug("initializing DB...")
	if err := m.initDB(startCtx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	logger.Debug("finished initializing DB")

	notifier, err := newDBNotifier(
		m.config.DatabaseType,
		m.config.Database,
		m.db,
		logger,
	)
	if err != nil {
		return fmt.Errorf("error creating db notifier: %w", err)
	}
	m.notifier = notifier

	m.scheduler.Start(ctx)

	m.mutes = NewMuteService(
		m.writeDB,
		m.writeDB,
		m.discord,
		m.scheduler,
		*m.config.Mutes,
		logger,
	)
	m.mutes.defaultMuteRoleID = m.config.Discord.MuteRoleID
	m.mutes.notifier = notifier

	m.commands = &commandHandler{
		mutes:        m.mutes,
		settings:     m.writeDB,
		logger:       logger.With(loggerNameKey, "commands"),
		errorMessage: m.config.Discord.ErrorMessage,
	}

	if m.api != nil {
		m.api.handlers.mutes = m.mutes
		m.api.handlers.settings = m.writeDB
	}

	if err = m.initDiscordSession(ctx, runtimeWG); err != nil {
		return err
	}

	logger.InfoContext(startCtx, "connecting to discord")
	if err = m.discord.session.Open(); err != nil {
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	if _, err = m.discord.registerCommands(discordgo.WithContext(startCtx)); err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}
	return nil
}

func (m *MuteBot) initDB(ctx context.Context) error {
	db, err := CreateDB(
		ctx,
		m.config.DatabaseType,
		m.config.Database,
		m.config.DatabaseLogLevel,
		m.config.DatabaseSlowThreshold,
	)
	if err != nil {
		return err
	}
	m.db = db
	m.writeDB = NewDatabase(
		db,
		m.logger.With(loggerNameKey, "database"),
		m.config.DatabaseType == dbTypePostgres,
	)
	return nil
}

func (m *MuteBot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	if m.discord.session == nil {
		session, err := m.discord.newSession()
		if err != nil {
			return fmt.Errorf("error creating discord session: %w", err)
		}
		m.discord.session = session
	}
	m.commands.session = m.discord.session

	for _, h := range m.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	handleInteraction := m.commands.handlerInteractionCreate(
		WithLogger(ctx, m.logger.With(loggerNameKey, "discord_session")),
	)
	m.discord.discordgoRemoveHandlerFuncs = []func(){
		m.discord.session.AddHandler(m.discord.handlerConnect()),
		m.discord.session.AddHandler(m.discord.handlerDisconnect()),
		m.discord.session.AddHandler(m.discord.handlerReady()),
		m.discord.session.AddHandler(
			func(s *discordgo.Session, i *discordgo.InteractionCreate) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					handleInteraction(s, i)
				}()
			},
		),
	}
	return nil
}

// shutdown stops the API, pending unmutes and the discord session,
// waiting up to [Config.ShutdownTimeout] for in-flight work.
func (m *MuteBot) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := m.logger
	logger.WarnContext(ctx, "shutting down")

	shutdownStart := time.Now()
	closeCtx, closeCancel := context.WithTimeout(
		context.Background(),
		m.config.ShutdownTimeout,
	)
	defer closeCancel()

	var (
		errs   []error
		errsMu sync.Mutex
	)
	addErr := func(err error) {
		if err == nil {
			return
		}
		errsMu.Lock()
		errs = append(errs, err)
		errsMu.Unlock()
	}

	stopWG := &sync.WaitGroup{}

	if m.api != nil && m.api.httpServer != nil {
		stopWG.Add(1)
		go func() {
			defer stopWG.Done()
			logger.InfoContext(ctx, "stopping http server")
			if err := m.api.httpServer.Shutdown(closeCtx); err != nil {
				addErr(fmt.Errorf("error stopping http server: %w", err))
			}
			logger.InfoContext(ctx, "http server stopped")
		}()
	}

	stopWG.Add(1)
	go func() {
		defer stopWG.Done()
		logger.InfoContext(ctx, "stopping scheduler", "pending", m.scheduler.Pending())
		if err := m.scheduler.Shutdown(closeCtx); err != nil {
			addErr(fmt.Errorf("error stopping scheduler: %w", err))
		}
	}()

	if m.discord != nil && m.discord.session != nil {
		stopWG.Add(1)
		go func() {
			defer stopWG.Done()
			logger.InfoContext(ctx, "closing discord session")
			if err := m.discord.session.Close(); err != nil {
				addErr(fmt.Errorf("error closing discord session: %w", err))
			}
			for _, h := range m.discord.discordgoRemoveHandlerFuncs {
				h()
			}
			m.discord.discordgoRemoveHandlerFuncs = nil
			logger.InfoContext(ctx, "discord session closed")
		}()
	}

	done := make(chan struct{})
	go func() {
		stopWG.Wait()
		runtimeWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.InfoContext(
			ctx,
			"shutdown complete",
			"shutdown_duration", time.Since(shutdownStart),
		)
	case <-closeCtx.Done():
		logger.Warn("shutdown timed out, forcing close")
		if m.api != nil && m.api.httpServer != nil {
			_ = m.api.httpServer.Close()
		}
		addErr(errors.New("shutdown did not finish in time"))
	}

	if m.db != nil {
		if sqlDB, err := m.db.DB(); err == nil {
			addErr(sqlDB.Close())
		}
	}

	errsMu.Lock()
	defer errsMu.Unlock()
	return errors.Join(errs...)
}
