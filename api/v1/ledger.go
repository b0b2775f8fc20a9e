package v1

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"carbon-scribe/bridge-backend/internal/access"
	"carbon-scribe/bridge-backend/internal/audit"
	"carbon-scribe/bridge-backend/internal/auth"
	"carbon-scribe/bridge-backend/internal/batches"
	"carbon-scribe/bridge-backend/internal/bridge"
	"carbon-scribe/bridge-backend/internal/catalog"
	"carbon-scribe/bridge-backend/internal/config"
	"carbon-scribe/bridge-backend/internal/directory"
	"carbon-scribe/bridge-backend/internal/events"
	"carbon-scribe/bridge-backend/internal/events/journal"
	"carbon-scribe/bridge-backend/internal/lots"
	"carbon-scribe/bridge-backend/internal/notifications"
	"carbon-scribe/bridge-backend/internal/notifications/websocket"
	"carbon-scribe/bridge-backend/internal/pool"
	"carbon-scribe/bridge-backend/pkg/httputil"
)

// LedgerOptions configures SetupLedgerAPI.
type LedgerOptions struct {
	Bridge           bridge.Config
	Roles            *access.RoleTable
	Directory        *directory.Directory
	RecorderCapacity int
	// StartSequence is the last sequence already journaled by a previous run.
	StartSequence uint64
	// Sinks receive every event after the in-memory recorder.
	Sinks []events.Sink
	// Journal, when set, persists events and serves GET /events/journal.
	Journal *journal.Journal
	// WebSocket, when set, streams events to /ws clients.
	WebSocket *websocket.Manager
}

// OptionsFromConfig maps the bridge, access and events sections of cfg.
func OptionsFromConfig(cfg *config.Config) LedgerOptions {
	seed := map[access.Role][]access.Identity{}
	add := func(role access.Role, ids []string) {
		for _, id := range ids {
			seed[role] = append(seed[role], access.Identity(id))
		}
	}
	add(access.RoleAdmin, cfg.Access.Admins)
	add(access.RoleBroker, cfg.Access.Brokers)
	add(access.RoleVerifier, cfg.Access.Verifiers)

	return LedgerOptions{
		Bridge: bridge.Config{
			RecipientPrefix:    cfg.Bridge.RecipientPrefix,
			MinRecipientLength: cfg.Bridge.MinRecipientLength,
			Owner:              access.Identity(cfg.Bridge.Owner),
		},
		Roles:            access.NewRoleTable(seed),
		RecorderCapacity: cfg.Events.RecorderCapacity,
	}
}

// LedgerAPI holds every ledger component and its HTTP handler
type LedgerAPI struct {
	Roles     *access.RoleTable
	Directory *directory.Directory
	Bus       *events.Bus
	Recorder  *events.Recorder
	Catalog   *catalog.Catalog
	Lots      *lots.Factory
	Batches   *batches.Engine
	Pool      *pool.Engine
	Bridge    *bridge.Bridge
	Auditor   *audit.Auditor
	WebSocket *websocket.Manager
	Journal   *journal.Journal

	scheduler *audit.Scheduler
	handlers  []routeRegistrar
	logger    *zap.Logger
}

type routeRegistrar interface {
	RegisterRoutes(rg *gin.RouterGroup)
}

// SetupLedgerAPI wires the components together. Components reach their peers only
// through the interfaces they declare and the directory installed here.
func SetupLedgerAPI(opts LedgerOptions, logger *zap.Logger) (*LedgerAPI, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	roles := opts.Roles
	if roles == nil {
		roles = access.NewRoleTable(nil)
	}
	dir := opts.Directory
	if dir == nil {
		dir = directory.Defaults()
	}

	recorder := events.NewRecorder(opts.RecorderCapacity)
	bus := events.NewBus(logger, recorder)
	bus.StartAt(opts.StartSequence)
	for _, s := range opts.Sinks {
		bus.AddSink(s)
	}
	if opts.Journal != nil {
		bus.AddSink(opts.Journal)
	}
	if opts.WebSocket != nil {
		bus.AddSink(notifications.NewService(opts.WebSocket))
	}

	cat := catalog.New(roles, bus, logger)

	factory := lots.NewFactory(cat, bus, logger)
	if err := factory.SetDirectory(dir); err != nil {
		return nil, fmt.Errorf("failed to wire token lots: %w", err)
	}

	batchEngine := batches.NewEngine(cat, factory, roles, bus, logger)
	if err := batchEngine.SetDirectory(dir); err != nil {
		return nil, fmt.Errorf("failed to wire batches: %w", err)
	}

	poolEngine := pool.NewEngine(factory, cat, roles, bus, logger)
	if err := poolEngine.SetDirectory(dir); err != nil {
		return nil, fmt.Errorf("failed to wire pool: %w", err)
	}

	br := bridge.New(opts.Bridge, bridge.NewLedgerDebiter(poolEngine, factory), bus, logger)
	if err := br.SetDirectory(dir); err != nil {
		return nil, fmt.Errorf("failed to wire bridge: %w", err)
	}

	auditor := audit.NewAuditor(factory, batchEngine, poolEngine, br, logger)

	return &LedgerAPI{
		Roles:     roles,
		Directory: dir,
		Bus:       bus,
		Recorder:  recorder,
		Catalog:   cat,
		Lots:      factory,
		Batches:   batchEngine,
		Pool:      poolEngine,
		Bridge:    br,
		Auditor:   auditor,
		WebSocket: opts.WebSocket,
		Journal:   opts.Journal,
		handlers: []routeRegistrar{
			auth.NewHandler(roles, logger),
			catalog.NewHandler(cat, logger),
			batches.NewHandler(batchEngine, logger),
			lots.NewHandler(factory, logger),
			pool.NewHandler(poolEngine, logger),
			bridge.NewHandler(br, logger),
		},
		logger: logger,
	}, nil
}

// UseScheduler makes GET /audit record its report in s.
func (api *LedgerAPI) UseScheduler(s *audit.Scheduler) {
	api.scheduler = s
}

// RegisterRoutes registers every ledger route on an authenticated group.
func (api *LedgerAPI) RegisterRoutes(rg *gin.RouterGroup) {
	for _, h := range api.handlers {
		h.RegisterRoutes(rg)
	}
	rg.GET("/events", api.listEvents)
	rg.GET("/audit", api.runAudit)
	rg.GET("/audit/last", api.lastAudit)
	if api.Journal != nil {
		rg.GET("/events/journal", api.listJournal)
	}
	if api.WebSocket != nil {
		rg.GET("/ws", api.serveWebSocket)
	}
}

// listEvents handles GET /events?after=&type=
func (api *LedgerAPI) listEvents(c *gin.Context) {
	var after uint64
	if raw := c.Query("after"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			httputil.BadRequest(c, "invalid after")
			return
		}
		after = v
	}
	list := api.Recorder.Since(after)
	if typ := c.Query("type"); typ != "" {
		filtered := list[:0]
		for _, e := range list {
			if string(e.Type) == typ {
				filtered = append(filtered, e)
			}
		}
		list = filtered
	}
	c.JSON(http.StatusOK, gin.H{"events": list, "sequence": api.Bus.Sequence()})
}

// listJournal handles GET /events/journal?after=&limit=
func (api *LedgerAPI) listJournal(c *gin.Context) {
	after, err := strconv.ParseUint(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil {
		httputil.BadRequest(c, "invalid after")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		httputil.BadRequest(c, "invalid limit")
		return
	}
	records, err := api.Journal.List(c.Request.Context(), after, limit)
	if err != nil {
		httputil.WriteError(c, api.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

// runAudit handles GET /audit
func (api *LedgerAPI) runAudit(c *gin.Context) {
	var report audit.Report
	if api.scheduler != nil {
		report = api.scheduler.RunNow(c.Request.Context())
	} else {
		report = api.Auditor.Run(c.Request.Context())
	}
	status := http.StatusOK
	if !report.Clean() {
		status = http.StatusInternalServerError
	}
	c.JSON(status, gin.H{"clean": report.Clean(), "report": report})
}

// lastAudit handles GET /audit/last
func (api *LedgerAPI) lastAudit(c *gin.Context) {
	if api.scheduler == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no audit scheduler configured"})
		return
	}
	report, ok := api.scheduler.Last()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no audit has run yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"clean": report.Clean(), "report": report})
}

// serveWebSocket handles GET /ws
func (api *LedgerAPI) serveWebSocket(c *gin.Context) {
	if _, err := api.WebSocket.HandleConnection(c.Writer, c.Request, string(auth.Caller(c))); err != nil {
		api.logger.Warn("websocket upgrade failed", zap.Error(err))
	}
}
