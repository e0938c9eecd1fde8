// Package labs is the lab lifecycle manager: quota and capacity
// enforcement, port allocation, stack provisioning, soft-deletion and
// the expiry sweep. Everything external (rows, orchestrator, settings)
// comes in through narrow interfaces.
package labs

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"devlabs/internal/compose"
	"devlabs/internal/db"
	"devlabs/internal/image"
	"devlabs/internal/portainer"
	"devlabs/internal/ports"
)

// Store is what the manager needs from the relational store. *db.Store
// is the production implementation.
type Store interface {
	ActiveLabs(ctx context.Context) ([]db.Lab, error)
	ActiveLabsForUser(ctx context.Context, userID uint) ([]db.Lab, error)
	AllLabs(ctx context.Context) ([]db.Lab, error)
	ActiveLabByID(ctx context.Context, id uint) (*db.Lab, error)
	ExpiredActiveLabs(ctx context.Context, now time.Time) ([]db.Lab, error)

	CountActive(ctx context.Context) (int64, error)
	CountActiveForUser(ctx context.Context, userID uint) (int64, error)
	CountUsers(ctx context.Context) (int64, error)

	InsertLab(ctx context.Context, lab *db.Lab) error
	CancelLab(ctx context.Context, id uint, to db.LabStatus, reason string, at time.Time) (bool, error)
	ExtendLab(ctx context.Context, id uint, d time.Duration) (bool, error)

	AppendActivity(ctx context.Context, userID uint, action, details string) error

	// WithAllocationLock serializes fn against other lock holders. Used
	// by strict allocation mode; best-effort mode never calls it.
	WithAllocationLock(ctx context.Context, fn func() error) error
}

// Orchestrator creates and deletes container stacks. *portainer.Client
// is the production implementation. Calls can block for minutes while
// images pull; there is no cancellation once a call is in flight.
type Orchestrator interface {
	CreateStack(name, stackFileContent string) (string, error)
	DeleteStack(externalID string) portainer.DeleteResult
	EndpointID() int
}

// Options configures a Manager.
type Options struct {
	Settings    SettingsSource
	Images      *image.Resolver
	Credentials compose.CredentialGenerator

	// PublicHost is what users connect to; it goes into SSH commands
	// and app URLs verbatim.
	PublicHost string

	// StrictAllocation serializes quota check + port allocation + row
	// insert under the store's allocation lock. When false, concurrent
	// creates can race and briefly overshoot caps or double-allocate a
	// port; acceptable for single-writer deployments.
	StrictAllocation bool

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// Manager coordinates the lab lifecycle. Safe for concurrent use: it
// holds no mutable state of its own, all coordination goes through the
// store.
type Manager struct {
	store Store
	orch  Orchestrator
	opts  Options
	now   func() time.Time
}

// New builds a Manager.
func New(store Store, orch Orchestrator, opts Options) *Manager {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Manager{store: store, orch: orch, opts: opts, now: now}
}

// CreateRequest identifies the caller and their image choice.
type CreateRequest struct {
	UserID         uint
	Email          string
	RequestedImage string
	IsAdmin        bool
}

// SSHAccess describes how to reach a lab over SSH.
type SSHAccess struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	Command  string `json:"command"`
}

// AppAccess lists the lab's exposed application ports and their URLs,
// in allocation order. The first entry is the primary app port.
type AppAccess struct {
	Ports []int    `json:"ports"`
	URLs  []string `json:"urls"`
}

// Connection is what a successful create returns to the user.
type Connection struct {
	LabID     uint      `json:"id"`
	StackName string    `json:"stack_name"`
	Image     string    `json:"image"`
	SSH       SSHAccess `json:"ssh"`
	App       AppAccess `json:"app"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Create provisions a new lab for the caller. The settings are
// resolved fresh, quotas and capacity are enforced, ports are
// allocated from the current ACTIVE set, the stack is deployed, and
// only then is the row written. The orchestrator call and the insert
// are deliberately not atomic: a crash between them leaks a stack with
// no row, which is surfaced in the log rather than hidden.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Connection, error) {
	set, err := m.opts.Settings.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}

	if !m.opts.StrictAllocation {
		return m.create(ctx, req, set)
	}

	var conn *Connection
	err = m.store.WithAllocationLock(ctx, func() error {
		var cerr error
		conn, cerr = m.create(ctx, req, set)
		return cerr
	})
	return conn, err
}

func (m *Manager) create(ctx context.Context, req CreateRequest, set Settings) (*Connection, error) {
	if !req.IsAdmin {
		owned, err := m.store.CountActiveForUser(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
		if owned >= int64(set.MaxLabsPerUser) {
			return nil, fmt.Errorf("%w: %d of %d labs in use", ErrQuotaExceeded, owned, set.MaxLabsPerUser)
		}
	}

	active, err := m.store.CountActive(ctx)
	if err != nil {
		return nil, err
	}
	if active >= int64(set.MaxLabs) {
		return nil, fmt.Errorf("%w: %d of %d labs active", ErrCapacityExceeded, active, set.MaxLabs)
	}

	// The in-use set is recomputed from ACTIVE rows on every call;
	// canceled labs free their ports implicitly.
	rows, err := m.store.ActiveLabs(ctx)
	if err != nil {
		return nil, err
	}
	sshInUse := make([]int, 0, len(rows))
	exposedInUse := make([][]int, 0, len(rows))
	for _, l := range rows {
		sshInUse = append(sshInUse, l.SSHPort)
		exposedInUse = append(exposedInUse, l.ExposedPorts)
	}
	used := ports.UsedSet(sshInUse, exposedInUse)
	blocked := ports.BlockSet(set.BlockedPorts)

	sshPorts, err := ports.Allocate(set.SSHPortStart, set.SSHPortEnd, 1, used, blocked)
	if err != nil {
		return nil, err
	}
	exposed, err := ports.Allocate(set.AppPortStart, set.AppPortEnd, set.ExposedPortCount, used, blocked)
	if err != nil {
		return nil, err
	}
	sshPort := sshPorts[0]

	img, err := m.opts.Images.Resolve(req.RequestedImage)
	if err != nil {
		return nil, err
	}

	creds := m.opts.Credentials.Generate(req.Email)
	now := m.now()
	stackName := fmt.Sprintf("lab-%s-%d", creds.Username, now.UnixMilli())

	content, err := compose.Render(compose.Params{
		StackName:    stackName,
		Image:        img,
		SSHPort:      sshPort,
		ExposedPorts: exposed,
		Credentials:  creds,
	})
	if err != nil {
		return nil, err
	}

	stackID, err := m.orch.CreateStack(stackName, content)
	if err != nil {
		return nil, err
	}

	expiresAt := now.Add(set.TTL)
	lab := &db.Lab{
		UserID:        req.UserID,
		OwnerEmail:    req.Email,
		SSHPort:       sshPort,
		ExposedPorts:  exposed,
		ContainerName: stackName,
		Image:         img,
		StackID:       stackID,
		EndpointID:    m.orch.EndpointID(),
		Username:      creds.Username,
		Password:      creds.Password,
		Status:        db.StatusActive,
		ExpiresAt:     expiresAt,
	}
	if err := m.store.InsertLab(ctx, lab); err != nil {
		// The stack exists but no row tracks it. Operators must clean
		// it up by hand, so make the orphan impossible to miss.
		log.Printf("labs: ORPHANED STACK %s (external id %s): row insert failed: %v", stackName, stackID, err)
		return nil, fmt.Errorf("lab stack %s deployed but not recorded: %w", stackName, err)
	}

	if err := m.store.AppendActivity(ctx, req.UserID, "lab_created", fmt.Sprintf("lab %s created", stackName)); err != nil {
		log.Printf("labs: activity log write failed for %s: %v", stackName, err)
	}
	observeCreated()
	observeActive(active + 1)

	return m.connection(lab), nil
}

func (m *Manager) connection(lab *db.Lab) *Connection {
	host := m.opts.PublicHost
	urls := make([]string, 0, len(lab.ExposedPorts))
	portList := make([]int, 0, len(lab.ExposedPorts))
	for _, p := range lab.ExposedPorts {
		urls = append(urls, fmt.Sprintf("http://%s:%d", host, p))
		portList = append(portList, p)
	}
	return &Connection{
		LabID:     lab.ID,
		StackName: lab.ContainerName,
		Image:     lab.Image,
		SSH: SSHAccess{
			Host:     host,
			Port:     lab.SSHPort,
			Username: lab.Username,
			Password: lab.Password,
			Command:  fmt.Sprintf("ssh -p %d %s@%s", lab.SSHPort, lab.Username, host),
		},
		App:       AppAccess{Ports: portList, URLs: urls},
		CreatedAt: lab.CreatedAt,
		ExpiresAt: lab.ExpiresAt,
	}
}

// LabView is a lab row augmented for listing: derived SSH username and
// a normalized exposed-port sequence.
type LabView struct {
	ID            uint         `json:"id"`
	UserID        uint         `json:"user_id"`
	OwnerEmail    string       `json:"owner_email"`
	ContainerName string       `json:"container_name"`
	Image         string       `json:"image"`
	StackID       string       `json:"stack_id"`
	Status        db.LabStatus `json:"status"`
	SSHPort       int          `json:"ssh_port"`
	SSHUsername   string       `json:"ssh_username"`
	ExposedPorts  []int        `json:"exposed_ports"`
	AppPort       int          `json:"app_port"`
	CreatedAt     time.Time    `json:"created_at"`
	ExpiresAt     time.Time    `json:"expires_at"`
	CanceledAt    *time.Time   `json:"canceled_at,omitempty"`
	CancelReason  string       `json:"cancel_reason,omitempty"`
}

// ListForUser returns the caller's ACTIVE labs, newest first.
func (m *Manager) ListForUser(ctx context.Context, userID uint) ([]LabView, error) {
	rows, err := m.store.ActiveLabsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return views(rows), nil
}

// ListAll returns every lab regardless of status. Privileged; the
// routing layer gates it behind admin auth.
func (m *Manager) ListAll(ctx context.Context) ([]LabView, error) {
	rows, err := m.store.AllLabs(ctx)
	if err != nil {
		return nil, err
	}
	return views(rows), nil
}

func views(rows []db.Lab) []LabView {
	out := make([]LabView, 0, len(rows))
	for i := range rows {
		out = append(out, view(&rows[i]))
	}
	return out
}

func view(lab *db.Lab) LabView {
	exposed := make([]int, len(lab.ExposedPorts))
	copy(exposed, lab.ExposedPorts)
	appPort := 0
	if len(exposed) > 0 {
		appPort = exposed[0]
	}
	return LabView{
		ID:            lab.ID,
		UserID:        lab.UserID,
		OwnerEmail:    lab.OwnerEmail,
		ContainerName: lab.ContainerName,
		Image:         lab.Image,
		StackID:       lab.StackID,
		Status:        lab.Status,
		SSHPort:       lab.SSHPort,
		SSHUsername:   sshUsername(lab),
		ExposedPorts:  exposed,
		AppPort:       appPort,
		CreatedAt:     lab.CreatedAt,
		ExpiresAt:     lab.ExpiresAt,
		CanceledAt:    lab.CanceledAt,
		CancelReason:  lab.CancelReason,
	}
}

// sshUsername derives the login for a lab row. Current rows store it;
// rows from before the username column fall back to parsing the
// container name (lab-<username>-<millis>), then to stripping a
// trailing digit suffix off the password.
func sshUsername(lab *db.Lab) string {
	if lab.Username != "" {
		return lab.Username
	}
	name := strings.TrimPrefix(lab.ContainerName, "lab-")
	if i := strings.LastIndexByte(name, '-'); i > 0 {
		return name[:i]
	}
	return strings.TrimRight(lab.Password, "0123456789")
}

// Delete cancels an ACTIVE lab on behalf of its owner, or of an admin
// acting on any lab. The row transitions to CANCELED_BY_USER; tearing
// down the stack is the route layer's best-effort concern. Returns
// ErrNotFound both for missing labs and for labs the caller does not
// own.
func (m *Manager) Delete(ctx context.Context, labID, callerID uint, isAdmin bool) error {
	lab, err := m.store.ActiveLabByID(ctx, labID)
	if err != nil {
		return err
	}
	if lab == nil || (!isAdmin && lab.UserID != callerID) {
		return ErrNotFound
	}

	reason := "canceled_by_user"
	action := "lab_deleted"
	if isAdmin && lab.UserID != callerID {
		reason = "canceled_by_admin"
		action = "admin_lab_deleted"
	}

	ok, err := m.store.CancelLab(ctx, lab.ID, db.StatusCanceledByUser, reason, m.now())
	if err != nil {
		return err
	}
	if !ok {
		// Lost a race with the sweeper or another delete; the lab is
		// already canceled either way.
		return ErrNotFound
	}

	if err := m.store.AppendActivity(ctx, callerID, action, fmt.Sprintf("lab %s canceled (%s)", lab.ContainerName, reason)); err != nil {
		log.Printf("labs: activity log write failed for %s: %v", lab.ContainerName, err)
	}
	observeCanceled(reason)
	return nil
}

// SweepExpired cancels every ACTIVE lab whose expiry has passed,
// tearing down its stack first. A failure on one lab is logged and
// skipped so the rest of the sweep proceeds; the failed lab stays
// ACTIVE and is retried on the next tick. Returns how many labs were
// swept; the error is only for the initial scan.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	now := m.now()
	expired, err := m.store.ExpiredActiveLabs(ctx, now)
	if err != nil {
		return 0, err
	}

	swept := 0
	for i := range expired {
		lab := &expired[i]

		if lab.StackID != "" {
			res := m.orch.DeleteStack(lab.StackID)
			if res.Outcome == portainer.Failed {
				log.Printf("labs: sweep: stack delete failed for %s (id %s): %s", lab.ContainerName, lab.StackID, res.Reason)
				observeSweepFailure()
				continue
			}
			if res.Outcome == portainer.AlreadyAbsent {
				log.Printf("labs: sweep: stack %s already gone", lab.ContainerName)
			}
		}

		ok, err := m.store.CancelLab(ctx, lab.ID, db.StatusCanceledByTime, "expired", now)
		if err != nil {
			log.Printf("labs: sweep: cancel failed for %s: %v", lab.ContainerName, err)
			observeSweepFailure()
			continue
		}
		if !ok {
			// Deleted by its owner between the scan and now; nothing to do.
			continue
		}

		if err := m.store.AppendActivity(ctx, lab.UserID, "lab_expired", fmt.Sprintf("lab %s expired and removed", lab.ContainerName)); err != nil {
			log.Printf("labs: activity log write failed for %s: %v", lab.ContainerName, err)
		}
		observeCanceled("expired")
		swept++
	}

	if active, err := m.store.CountActive(ctx); err == nil {
		observeActive(active)
	}
	return swept, nil
}

// Extend pushes an ACTIVE lab's expiry forward by the given hours.
// Admin-only at the route layer; hours must be positive.
func (m *Manager) Extend(ctx context.Context, labID, adminID uint, hours int) error {
	if hours <= 0 {
		return ErrInvalidExtension
	}
	ok, err := m.store.ExtendLab(ctx, labID, time.Duration(hours)*time.Hour)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if err := m.store.AppendActivity(ctx, adminID, "admin_lab_extended", fmt.Sprintf("lab %d extended by %d hours", labID, hours)); err != nil {
		log.Printf("labs: activity log write failed for lab %d: %v", labID, err)
	}
	return nil
}

// Stats summarizes current capacity.
type Stats struct {
	ActiveLabs    int64 `json:"active_labs"`
	MaxLabs       int   `json:"max_labs"`
	AvailableLabs int64 `json:"available_labs"`
	TotalUsers    int64 `json:"total_users"`
}

// Stats reports active count, configured max, total users, and the
// remaining capacity clamped at zero.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	set, err := m.opts.Settings.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	active, err := m.store.CountActive(ctx)
	if err != nil {
		return nil, err
	}
	users, err := m.store.CountUsers(ctx)
	if err != nil {
		return nil, err
	}

	available := int64(set.MaxLabs) - active
	if available < 0 {
		available = 0
	}
	observeActive(active)

	return &Stats{
		ActiveLabs:    active,
		MaxLabs:       set.MaxLabs,
		AvailableLabs: available,
		TotalUsers:    users,
	}, nil
}

// Images returns the configured image allow-list.
func (m *Manager) Images() []string {
	return m.opts.Images.List()
}

// Teardown best-effort deletes a lab's external stack. Used by the
// route layer after a user or admin delete; an AlreadyAbsent outcome is
// success, a Failed outcome is logged and swallowed.
func (m *Manager) Teardown(lab *LabView) {
	if lab.StackID == "" {
		return
	}
	res := m.orch.DeleteStack(lab.StackID)
	if res.Outcome == portainer.Failed {
		log.Printf("labs: best-effort stack delete failed for %s (id %s): %s", lab.ContainerName, lab.StackID, res.Reason)
	}
}

// Find returns the view of an ACTIVE lab the caller may act on, or
// ErrNotFound. The route layer uses it to grab the stack id before a
// delete.
func (m *Manager) Find(ctx context.Context, labID, callerID uint, isAdmin bool) (*LabView, error) {
	lab, err := m.store.ActiveLabByID(ctx, labID)
	if err != nil {
		return nil, err
	}
	if lab == nil || (!isAdmin && lab.UserID != callerID) {
		return nil, ErrNotFound
	}
	v := view(lab)
	return &v, nil
}
