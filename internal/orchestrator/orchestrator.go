package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/vulnscope/internal/authctx"
	"github.com/vulnscope/internal/broadcast"
	"github.com/vulnscope/internal/database"
	"github.com/vulnscope/internal/metrics"
	"github.com/vulnscope/internal/scanner"
	"github.com/vulnscope/internal/subscription"
	"github.com/vulnscope/internal/tiers"
	"github.com/vulnscope/internal/utils"
)

// Start rejections. Errors carry the specific reason after the sentinel.
var (
	ErrNoURL         = errors.New("no URL provided")
	ErrInvalidURL    = errors.New("invalid URL syntax")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrInvalidConfig = errors.New("scan configuration invalid")
	ErrStartFailed   = errors.New("failed to start scan")
	ErrAuthRequired  = errors.New("authentication setup failed")
)

// Store is the persistence the orchestrator needs
type Store interface {
	CreateScan(ctx context.Context, scan *database.Scan) error
	UpdateScan(ctx context.Context, scan *database.Scan) error
	FailRunningScan(ctx context.Context, id uuid.UUID, reason string, end time.Time) (bool, error)
	UpdateScanProgress(ctx context.Context, id uuid.UUID, progress int) error
	SaveScanResults(ctx context.Context, scanID uuid.UUID, alerts []*database.Alert) error
	ListRunningScans(ctx context.Context) ([]*database.Scan, error)
}

// Ledger admits scan starts against the user's quotas
type Ledger interface {
	Admit(ctx context.Context, userID string, start func(limits tiers.Limits) error) (subscription.Decision, error)
}

// Authenticator sets up authenticated contexts on the Scanner
type Authenticator interface {
	CreateContext(ctx context.Context, targetURL string, strategy authctx.Strategy) (*authctx.Context, error)
	Release(ctx context.Context, authCtx *authctx.Context)
}

// Publisher receives progress events
type Publisher interface {
	Publish(e broadcast.Event)
}

// Config holds orchestration tunables
type Config struct {
	PollInterval    time.Duration
	MaxDuration     time.Duration
	MaxPollFailures int
	CallTimeout     time.Duration // bound for each Scanner call made in the background
	MaxChildren     int
	AJAXMaxDuration time.Duration
}

// Dependencies are the collaborators of the orchestrator. Metrics may be nil.
type Dependencies struct {
	Scanner   scanner.API
	Store     Store
	Ledger    Ledger
	Auth      Authenticator
	Publisher Publisher
	Metrics   *metrics.Metrics
}

// ScanRequest is a request to start a scan
type ScanRequest struct {
	UserID       string
	URL          string
	Config       database.ScanConfig
	AJAX         bool
	APIImportURL string
	CustomPolicy string
	Auth         *authctx.Config
	RequireAuth  bool // fail the start instead of scanning unauthenticated
}

// Orchestrator starts scans on the Scanner, polls them to completion and
// chains a vulnerability scan after every successful crawl
type Orchestrator struct {
	cfg       Config
	scanner   scanner.API
	store     Store
	ledger    Ledger
	auth      Authenticator
	publisher Publisher
	metrics   *metrics.Metrics
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[uuid.UUID]*entry
	closed bool
}

// New creates an orchestrator
func New(cfg Config, deps Dependencies) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxPollFailures <= 0 {
		cfg.MaxPollFailures = 10
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.NewMetrics(prometheus.NewRegistry())
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:       cfg,
		scanner:   deps.Scanner,
		store:     deps.Store,
		ledger:    deps.Ledger,
		auth:      deps.Auth,
		publisher: deps.Publisher,
		metrics:   m,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		active:    make(map[uuid.UUID]*entry),
	}
}

// SetClock replaces the time source
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// launch is what a start operation needs once the request is parsed
type launch struct {
	req      ScanRequest
	target   string
	strategy authctx.Strategy
}

// StartCrawl validates and admits the request, starts a crawl on the Scanner
// and returns the persisted scan. Polling continues in the background.
func (o *Orchestrator) StartCrawl(ctx context.Context, req ScanRequest) (*database.Scan, error) {
	return o.start(ctx, req, database.KindCrawl)
}

// StartVulnerabilityScan starts a standalone vulnerability scan. It is not
// followed by another scan.
func (o *Orchestrator) StartVulnerabilityScan(ctx context.Context, req ScanRequest) (*database.Scan, error) {
	return o.start(ctx, req, database.KindVulnerability)
}

func (o *Orchestrator) start(ctx context.Context, req ScanRequest, kind database.ScanKind) (*database.Scan, error) {
	l, err := prepare(req)
	if err != nil {
		o.metrics.RecordRejection("input")
		return nil, err
	}

	var scan *database.Scan
	decision, err := o.ledger.Admit(ctx, req.UserID, func(limits tiers.Limits) error {
		var startErr error
		if kind == database.KindCrawl {
			scan, startErr = o.launchCrawl(ctx, l, limits)
		} else {
			scan, startErr = o.launchVulnerability(ctx, l, limits)
		}
		return startErr
	})
	if err != nil {
		o.metrics.RecordRejection(rejectionReason(err))
		return nil, err
	}
	if !decision.Allowed {
		o.metrics.RecordRejection("quota")
		return nil, fmt.Errorf("%w: %s", ErrQuotaExceeded, decision.Reason)
	}

	return scan, nil
}

func prepare(req ScanRequest) (launch, error) {
	target, err := utils.ParseTarget(req.URL)
	if err != nil {
		if errors.Is(err, utils.ErrEmptyURL) {
			return launch{}, ErrNoURL
		}
		return launch{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	l := launch{req: req, target: target.String()}
	if req.Auth != nil {
		strategy, err := req.Auth.Parse()
		if err != nil {
			return launch{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		l.strategy = strategy
	}
	if req.Config.Depth < 0 {
		return launch{}, fmt.Errorf("%w: scan depth cannot be negative", ErrInvalidConfig)
	}
	return l, nil
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidConfig):
		return "config"
	case errors.Is(err, ErrAuthRequired):
		return "auth"
	case errors.Is(err, ErrStartFailed):
		return "scanner"
	default:
		return "internal"
	}
}

// EffectiveDepth bounds the requested crawl depth by the tier; zero means the tier maximum
func EffectiveDepth(requested, tierMax int) int {
	if requested <= 0 || requested > tierMax {
		return tierMax
	}
	return requested
}

func (o *Orchestrator) maxChildren(limits tiers.Limits) int {
	if o.cfg.MaxChildren > 0 && o.cfg.MaxChildren < limits.MaxURLsPerScan {
		return o.cfg.MaxChildren
	}
	return limits.MaxURLsPerScan
}

func (o *Orchestrator) launchCrawl(ctx context.Context, l launch, limits tiers.Limits) (*database.Scan, error) {
	req := l.req
	if v := subscription.ValidateConfig(limits, req.Config); !v.Valid {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, v.Reason)
	}

	cfg := req.Config
	cfg.Depth = EffectiveDepth(req.Config.Depth, limits.ScanDepth)

	authCtx, err := o.setupAuth(ctx, l, limits)
	if err != nil {
		return nil, err
	}

	e := &entry{
		id:       uuid.New(),
		kind:     database.KindCrawl,
		job:      scanner.JobCrawl,
		userID:   req.UserID,
		target:   l.target,
		limits:   limits,
		auth:     authCtx,
		recurse:  cfg.Scope == tiers.ScanTypeFull,
		progress: 0,
	}

	contextName, contextID := "", ""
	if authCtx != nil {
		contextName, contextID = authCtx.Name, authCtx.ID
	}

	if req.AJAX || cfg.AJAX {
		cfg.AJAX = false
		if limits.Features.AJAXSpider {
			err := o.scanner.StartAJAXCrawl(ctx, scanner.AJAXCrawlRequest{
				URL:         l.target,
				MaxDuration: o.cfg.AJAXMaxDuration,
				ContextName: contextName,
			})
			if err != nil {
				o.featureFailed("ajax_crawl", l.target, err)
			} else {
				cfg.AJAX = true
				e.usedAJAX = true
			}
		} else {
			logrus.Infof("AJAX crawl requested for %s but not included in the user's plan", l.target)
		}
	}

	apiImport := firstNonEmpty(req.APIImportURL, cfg.APIImportURL)
	cfg.APIImportURL = ""
	if apiImport != "" {
		if limits.Features.APIScanning {
			if err := o.scanner.ImportOpenAPI(ctx, apiImport, contextID); err != nil {
				o.featureFailed("api_import", l.target, err)
			} else {
				cfg.APIImportURL = apiImport
			}
		} else {
			logrus.Infof("API import requested for %s but not included in the user's plan", l.target)
		}
	}

	if req.CustomPolicy != "" {
		if limits.Features.CustomScanPolicies {
			if err := o.scanner.ImportScanPolicy(ctx, req.CustomPolicy); err != nil {
				o.featureFailed("scan_policy", l.target, err)
			} else {
				cfg.PolicyName = policyName(req.CustomPolicy)
			}
		} else {
			logrus.Infof("Custom scan policy requested for %s but not included in the user's plan", l.target)
		}
	}
	e.policyName = cfg.PolicyName

	crawl := scanner.CrawlRequest{
		URL:         l.target,
		MaxDepth:    cfg.Depth,
		MaxChildren: o.maxChildren(limits),
		ContextName: contextName,
	}
	if authCtx != nil && authCtx.UserID != "" {
		crawl.ContextID = authCtx.ID
		crawl.UserID = authCtx.UserID
	}

	scannerID, err := o.scanner.StartCrawl(ctx, crawl)
	if err != nil {
		o.releaseAuth(authCtx)
		return nil, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}
	e.scannerID = scannerID

	return o.register(ctx, e, cfg, uuid.NullUUID{})
}

func (o *Orchestrator) launchVulnerability(ctx context.Context, l launch, limits tiers.Limits) (*database.Scan, error) {
	req := l.req
	cfg := req.Config
	if cfg.Scope == tiers.ScanTypeFull && !limits.AllowsScanType(tiers.ScanTypeFull) {
		logrus.Infof("Downgrading full vulnerability scan of %s to quick for the user's plan", l.target)
		cfg.Scope = tiers.ScanTypeQuick
	}
	if v := subscription.ValidateConfig(limits, cfg); !v.Valid {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, v.Reason)
	}
	cfg.Depth = EffectiveDepth(cfg.Depth, limits.ScanDepth)
	cfg.AJAX = false
	cfg.APIImportURL = ""

	if req.CustomPolicy != "" {
		if limits.Features.CustomScanPolicies {
			cfg.PolicyName = req.CustomPolicy
		} else {
			logrus.Infof("Custom scan policy requested for %s but not included in the user's plan", l.target)
			cfg.PolicyName = ""
		}
	}

	authCtx, err := o.setupAuth(ctx, l, limits)
	if err != nil {
		return nil, err
	}

	e := &entry{
		id:         uuid.New(),
		kind:       database.KindVulnerability,
		job:        scanner.JobActiveScan,
		userID:     req.UserID,
		target:     l.target,
		limits:     limits,
		auth:       authCtx,
		recurse:    cfg.Scope == tiers.ScanTypeFull,
		policyName: cfg.PolicyName,
	}

	scannerID, err := o.scanner.StartActiveScan(ctx, e.activeScanRequest())
	if err != nil {
		o.releaseAuth(authCtx)
		return nil, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}
	e.scannerID = scannerID

	return o.register(ctx, e, cfg, uuid.NullUUID{})
}

// setupAuth creates the request's authenticated context when the plan allows it.
// Failures degrade to an unauthenticated scan unless the request requires auth.
func (o *Orchestrator) setupAuth(ctx context.Context, l launch, limits tiers.Limits) (*authctx.Context, error) {
	if l.strategy == nil {
		return nil, nil
	}

	if !limits.Features.ContextAuthentication {
		if l.req.RequireAuth {
			return nil, fmt.Errorf("%w: authenticated scanning is not included in your plan", ErrAuthRequired)
		}
		logrus.Infof("Authenticated scanning requested for %s but not included in the user's plan", l.target)
		return nil, nil
	}

	authCtx, err := o.auth.CreateContext(ctx, l.target, l.strategy)
	if err != nil {
		if l.req.RequireAuth {
			return nil, fmt.Errorf("%w: %v", ErrAuthRequired, err)
		}
		o.featureFailed("authentication", l.target, err)
		return nil, nil
	}
	return authCtx, nil
}

func (o *Orchestrator) featureFailed(feature, target string, err error) {
	o.metrics.RecordFeatureFailure(feature)
	logrus.WithFields(logrus.Fields{
		"feature": feature,
		"target":  target,
	}).Warnf("Optional scan feature failed, continuing without it: %v", err)
}

// register persists the scan record for a started Scanner job and begins polling it
func (o *Orchestrator) register(ctx context.Context, e *entry, cfg database.ScanConfig, parent uuid.NullUUID) (*database.Scan, error) {
	e.startedAt = o.now()
	e.scan = &database.Scan{
		ID:            e.id,
		UserID:        e.userID,
		TargetURL:     e.target,
		Kind:          e.kind,
		Status:        database.StatusRunning,
		Progress:      0,
		Config:        cfg,
		ScannerScanID: e.scannerID,
		ParentScanID:  parent,
		StartedAt:     e.startedAt,
	}
	if e.auth != nil {
		e.scan.ContextName = e.auth.Name
		e.scan.ContextID = e.auth.ID
	}

	// Tracked before it is persisted so reconciliation never sees it as orphaned.
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.releaseAuth(e.auth)
		return nil, fmt.Errorf("%w: shutting down", ErrStartFailed)
	}
	o.active[e.id] = e
	o.mu.Unlock()

	if err := o.store.CreateScan(ctx, e.scan); err != nil {
		o.mu.Lock()
		delete(o.active, e.id)
		o.mu.Unlock()
		o.releaseAuth(e.auth)
		return nil, fmt.Errorf("%w: failed to create scan record: %v", ErrStartFailed, err)
	}

	o.metrics.RecordScanStarted(string(e.kind), e.followUp)
	e.log().Info("Scan started")
	o.publish(e)

	o.mu.Lock()
	if o.closed {
		// Shutdown began after the record was written; it will be marked interrupted.
		o.mu.Unlock()
		return copyScan(e.scan), nil
	}
	o.wg.Add(1)
	o.mu.Unlock()

	result := copyScan(e.scan)
	go o.poll(e)
	return result, nil
}

func (o *Orchestrator) releaseAuth(authCtx *authctx.Context) {
	if authCtx == nil || o.auth == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.CallTimeout)
	defer cancel()
	o.auth.Release(ctx, authCtx)
}

func (o *Orchestrator) publish(e *entry) {
	if o.publisher == nil {
		return
	}
	o.mu.Lock()
	ev := e.event()
	o.mu.Unlock()
	o.publisher.Publish(ev)
}

// ActiveScans returns the latest state of every scan being polled
func (o *Orchestrator) ActiveScans() []broadcast.Event {
	o.mu.Lock()
	defer o.mu.Unlock()

	events := make([]broadcast.Event, 0, len(o.active))
	for _, e := range o.active {
		events = append(events, e.event())
	}
	return events
}

func policyName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func copyScan(scan *database.Scan) *database.Scan {
	c := *scan
	if scan.Summary != nil {
		s := *scan.Summary
		c.Summary = &s
	}
	if scan.EndTime != nil {
		t := *scan.EndTime
		c.EndTime = &t
	}
	return &c
}
