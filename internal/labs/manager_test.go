package labs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"devlabs/internal/compose"
	"devlabs/internal/db"
	"devlabs/internal/image"
	"devlabs/internal/portainer"
	"devlabs/internal/ports"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeStore is an in-memory Store with the same read-then-write
// semantics as the SQL implementation.
type fakeStore struct {
	mu        sync.Mutex
	labs      []db.Lab
	nextID    uint
	userCount int64
	activity  []db.ActivityLog

	insertErr error
	cancelErr map[uint]error

	lockMu    sync.Mutex
	lockTaken int
}

func newFakeStore() *fakeStore {
	return &fakeStore{nextID: 1, userCount: 3, cancelErr: map[uint]error{}}
}

func (s *fakeStore) addLab(lab db.Lab) uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	lab.ID = s.nextID
	s.nextID++
	if lab.CreatedAt.IsZero() {
		lab.CreatedAt = testNow.Add(-time.Duration(lab.ID) * time.Minute)
	}
	s.labs = append(s.labs, lab)
	return lab.ID
}

func (s *fakeStore) get(id uint) *db.Lab {
	for i := range s.labs {
		if s.labs[i].ID == id {
			return &s.labs[i]
		}
	}
	return nil
}

func (s *fakeStore) ActiveLabs(context.Context) ([]db.Lab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.Lab
	for i := len(s.labs) - 1; i >= 0; i-- {
		if s.labs[i].Status == db.StatusActive {
			out = append(out, s.labs[i])
		}
	}
	return out, nil
}

func (s *fakeStore) ActiveLabsForUser(_ context.Context, userID uint) ([]db.Lab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.Lab
	for i := len(s.labs) - 1; i >= 0; i-- {
		if s.labs[i].Status == db.StatusActive && s.labs[i].UserID == userID {
			out = append(out, s.labs[i])
		}
	}
	return out, nil
}

func (s *fakeStore) AllLabs(context.Context) ([]db.Lab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]db.Lab, 0, len(s.labs))
	for i := len(s.labs) - 1; i >= 0; i-- {
		out = append(out, s.labs[i])
	}
	return out, nil
}

func (s *fakeStore) ActiveLabByID(_ context.Context, id uint) (*db.Lab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lab := s.get(id)
	if lab == nil || lab.Status != db.StatusActive {
		return nil, nil
	}
	cp := *lab
	return &cp, nil
}

func (s *fakeStore) ExpiredActiveLabs(_ context.Context, now time.Time) ([]db.Lab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.Lab
	for _, l := range s.labs {
		if l.Status == db.StatusActive && l.ExpiresAt.Before(now) {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *fakeStore) CountActive(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, l := range s.labs {
		if l.Status == db.StatusActive {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) CountActiveForUser(_ context.Context, userID uint) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, l := range s.labs {
		if l.Status == db.StatusActive && l.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) CountUsers(context.Context) (int64, error) {
	return s.userCount, nil
}

func (s *fakeStore) InsertLab(_ context.Context, lab *db.Lab) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	lab.ID = s.addLab(*lab)
	return nil
}

func (s *fakeStore) CancelLab(_ context.Context, id uint, to db.LabStatus, reason string, at time.Time) (bool, error) {
	if err := s.cancelErr[id]; err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lab := s.get(id)
	if lab == nil || !lab.Status.CanTransitionTo(to) {
		return false, nil
	}
	lab.Status = to
	lab.CancelReason = reason
	lab.CanceledAt = &at
	return true, nil
}

func (s *fakeStore) ExtendLab(_ context.Context, id uint, d time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lab := s.get(id)
	if lab == nil || lab.Status != db.StatusActive {
		return false, nil
	}
	lab.ExpiresAt = lab.ExpiresAt.Add(d)
	return true, nil
}

func (s *fakeStore) AppendActivity(_ context.Context, userID uint, action, details string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity = append(s.activity, db.ActivityLog{UserID: userID, Action: action, Details: details})
	return nil
}

func (s *fakeStore) WithAllocationLock(_ context.Context, fn func() error) error {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	s.lockTaken++
	return fn()
}

// fakeOrch records stack operations and can be programmed to fail.
type fakeOrch struct {
	mu        sync.Mutex
	created   []string
	deleted   []string
	createErr error
	deleteRes map[string]portainer.DeleteResult
	nextID    int
}

func newFakeOrch() *fakeOrch {
	return &fakeOrch{nextID: 100, deleteRes: map[string]portainer.DeleteResult{}}
}

func (o *fakeOrch) CreateStack(name, content string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.createErr != nil {
		return "", o.createErr
	}
	if !strings.Contains(content, "services:") {
		return "", fmt.Errorf("malformed stack content")
	}
	o.created = append(o.created, name)
	o.nextID++
	return fmt.Sprintf("%d", o.nextID), nil
}

func (o *fakeOrch) DeleteStack(externalID string) portainer.DeleteResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	if res, ok := o.deleteRes[externalID]; ok {
		return res
	}
	o.deleted = append(o.deleted, externalID)
	return portainer.DeleteResult{Outcome: portainer.Deleted}
}

func (o *fakeOrch) EndpointID() int { return 1 }

func testSettings() Settings {
	return Settings{
		MaxLabs:          20,
		MaxLabsPerUser:   2,
		SSHPortStart:     2200,
		SSHPortEnd:       2299,
		AppPortStart:     3000,
		AppPortEnd:       3999,
		ExposedPortCount: 5,
		BlockedPorts:     []int{3005},
		TTL:              24 * time.Hour,
	}
}

func newTestManager(store *fakeStore, orch *fakeOrch, set Settings) *Manager {
	InitMetrics()
	return New(store, orch, Options{
		Settings:         StaticSettings(set),
		Images:           image.NewResolver([]string{"node:20", "python:3.12"}),
		Credentials:      compose.Derived{Suffix: "2024"},
		PublicHost:       "labs.example.com",
		StrictAllocation: true,
		Clock:            func() time.Time { return testNow },
	})
}

func activeLab(userID uint, sshPort int, exposed []int) db.Lab {
	return db.Lab{
		UserID:        userID,
		OwnerEmail:    fmt.Sprintf("user%d@example.com", userID),
		SSHPort:       sshPort,
		ExposedPorts:  exposed,
		ContainerName: fmt.Sprintf("lab-user%d-1700000000000", userID),
		Image:         "node:20",
		StackID:       "55",
		Username:      fmt.Sprintf("user%d", userID),
		Password:      fmt.Sprintf("user%d2024", userID),
		Status:        db.StatusActive,
		ExpiresAt:     testNow.Add(12 * time.Hour),
	}
}

func TestCreateAllocatesFreshPorts(t *testing.T) {
	store := newFakeStore()
	store.addLab(activeLab(7, 2200, []int{3000, 3001, 3002, 3003, 3004}))
	orch := newFakeOrch()
	m := newTestManager(store, orch, testSettings())

	conn, err := m.Create(context.Background(), CreateRequest{UserID: 1, Email: "jdoe@example.com"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if conn.SSH.Port < 2200 || conn.SSH.Port > 2299 {
		t.Fatalf("ssh port %d outside range", conn.SSH.Port)
	}
	if conn.SSH.Port == 2200 {
		t.Fatal("ssh port collides with existing active lab")
	}

	taken := map[int]bool{2200: true, 3000: true, 3001: true, 3002: true, 3003: true, 3004: true}
	if len(conn.App.Ports) != 5 {
		t.Fatalf("expected 5 exposed ports, got %v", conn.App.Ports)
	}
	for _, p := range conn.App.Ports {
		if p < 3000 || p > 3999 {
			t.Fatalf("exposed port %d outside range", p)
		}
		if taken[p] {
			t.Fatalf("exposed port %d already held by another active lab", p)
		}
		if p == 3005 {
			t.Fatal("blocked port 3005 was allocated")
		}
		taken[p] = true
	}
}

func TestCreateConnectionDescriptor(t *testing.T) {
	store := newFakeStore()
	orch := newFakeOrch()
	m := newTestManager(store, orch, testSettings())

	conn, err := m.Create(context.Background(), CreateRequest{UserID: 1, Email: "jdoe@example.com"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if conn.SSH.Username != "jdoe" || conn.SSH.Password != "jdoe2024" {
		t.Fatalf("unexpected credentials: %+v", conn.SSH)
	}
	wantCmd := fmt.Sprintf("ssh -p %d jdoe@labs.example.com", conn.SSH.Port)
	if conn.SSH.Command != wantCmd {
		t.Fatalf("expected %q, got %q", wantCmd, conn.SSH.Command)
	}
	if !conn.ExpiresAt.Equal(testNow.Add(24 * time.Hour)) {
		t.Fatalf("expected expiry 24h out, got %v", conn.ExpiresAt)
	}
	if len(conn.App.URLs) != 5 {
		t.Fatalf("expected 5 app URLs, got %v", conn.App.URLs)
	}
	if conn.App.URLs[0] != fmt.Sprintf("http://labs.example.com:%d", conn.App.Ports[0]) {
		t.Fatalf("unexpected app URL %q", conn.App.URLs[0])
	}
	if !strings.HasPrefix(conn.StackName, "lab-jdoe-") {
		t.Fatalf("unexpected stack name %q", conn.StackName)
	}
	if len(orch.created) != 1 || orch.created[0] != conn.StackName {
		t.Fatalf("orchestrator saw %v, want [%s]", orch.created, conn.StackName)
	}
}

func TestCreateQuotaExceeded(t *testing.T) {
	store := newFakeStore()
	store.addLab(activeLab(1, 2200, []int{3000, 3001, 3002, 3003, 3004}))
	store.addLab(activeLab(1, 2201, []int{3010, 3011, 3012, 3013, 3014}))
	orch := newFakeOrch()
	m := newTestManager(store, orch, testSettings())

	_, err := m.Create(context.Background(), CreateRequest{UserID: 1, Email: "u1@example.com"})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if len(orch.created) != 0 {
		t.Fatal("orchestrator must not be called on quota rejection")
	}
	if n, _ := store.CountActive(context.Background()); n != 2 {
		t.Fatalf("no row must be written, active=%d", n)
	}
}

func TestCreateAdminBypassesQuota(t *testing.T) {
	store := newFakeStore()
	store.addLab(activeLab(1, 2200, []int{3000, 3001, 3002, 3003, 3004}))
	store.addLab(activeLab(1, 2201, []int{3010, 3011, 3012, 3013, 3014}))
	m := newTestManager(store, newFakeOrch(), testSettings())

	if _, err := m.Create(context.Background(), CreateRequest{UserID: 1, Email: "u1@example.com", IsAdmin: true}); err != nil {
		t.Fatalf("admin create failed: %v", err)
	}
}

func TestCreateCapacityExceeded(t *testing.T) {
	store := newFakeStore()
	set := testSettings()
	set.MaxLabs = 2
	store.addLab(activeLab(1, 2200, []int{3000, 3001, 3002, 3003, 3004}))
	store.addLab(activeLab(2, 2201, []int{3010, 3011, 3012, 3013, 3014}))
	orch := newFakeOrch()
	m := newTestManager(store, orch, set)

	_, err := m.Create(context.Background(), CreateRequest{UserID: 3, Email: "u3@example.com"})
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if len(orch.created) != 0 {
		t.Fatal("orchestrator must not be called at capacity")
	}
}

func TestCreatePortRangeExhausted(t *testing.T) {
	store := newFakeStore()
	set := testSettings()
	set.SSHPortStart, set.SSHPortEnd = 2200, 2200
	store.addLab(activeLab(1, 2200, []int{3000, 3001, 3002, 3003, 3004}))
	orch := newFakeOrch()
	m := newTestManager(store, orch, set)

	_, err := m.Create(context.Background(), CreateRequest{UserID: 2, Email: "u2@example.com"})
	if !errors.Is(err, ports.ErrExhausted) {
		t.Fatalf("expected ports.ErrExhausted, got %v", err)
	}
	if len(orch.created) != 0 {
		t.Fatal("orchestrator must not be called when allocation fails")
	}
}

func TestCreateImageNotAllowed(t *testing.T) {
	store := newFakeStore()
	orch := newFakeOrch()
	m := newTestManager(store, orch, testSettings())

	_, err := m.Create(context.Background(), CreateRequest{UserID: 1, Email: "u1@example.com", RequestedImage: "evil:1.0"})
	if !errors.Is(err, image.ErrNotAllowed) {
		t.Fatalf("expected image.ErrNotAllowed, got %v", err)
	}
	if len(orch.created) != 0 {
		t.Fatal("orchestrator must not be called for a rejected image")
	}
	if n, _ := store.CountActive(context.Background()); n != 0 {
		t.Fatal("no row must be written for a rejected image")
	}
}

func TestCreateOrchestratorFailureWritesNoRow(t *testing.T) {
	store := newFakeStore()
	orch := newFakeOrch()
	orch.createErr = fmt.Errorf("%w: dial tcp: connection refused", portainer.ErrUnreachable)
	m := newTestManager(store, orch, testSettings())

	_, err := m.Create(context.Background(), CreateRequest{UserID: 1, Email: "u1@example.com"})
	if !errors.Is(err, portainer.ErrUnreachable) {
		t.Fatalf("expected portainer.ErrUnreachable, got %v", err)
	}
	if n, _ := store.CountActive(context.Background()); n != 0 {
		t.Fatal("a failed orchestrator call must not leave a row")
	}
}

func TestCreateInsertFailureSurfacesOrphan(t *testing.T) {
	store := newFakeStore()
	store.insertErr = fmt.Errorf("connection reset")
	orch := newFakeOrch()
	m := newTestManager(store, orch, testSettings())

	_, err := m.Create(context.Background(), CreateRequest{UserID: 1, Email: "u1@example.com"})
	if err == nil {
		t.Fatal("expected error when the row insert fails")
	}
	if !strings.Contains(err.Error(), "not recorded") {
		t.Fatalf("error must surface the orphaned stack, got %v", err)
	}
	if len(orch.created) != 1 {
		t.Fatal("the stack was deployed before the insert; the fake must have seen it")
	}
}

func TestRoundTripExposedPortOrder(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store, newFakeOrch(), testSettings())

	conn, err := m.Create(context.Background(), CreateRequest{UserID: 9, Email: "u9@example.com"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	list, err := m.ListForUser(context.Background(), 9)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 lab, got %d", len(list))
	}
	if len(list[0].ExposedPorts) != len(conn.App.Ports) {
		t.Fatalf("exposed ports lost: %v vs %v", list[0].ExposedPorts, conn.App.Ports)
	}
	for i := range conn.App.Ports {
		if list[0].ExposedPorts[i] != conn.App.Ports[i] {
			t.Fatalf("exposed port order changed: %v vs %v", list[0].ExposedPorts, conn.App.Ports)
		}
	}
	if list[0].AppPort != conn.App.Ports[0] {
		t.Fatalf("app port must be the first exposed port, got %d", list[0].AppPort)
	}
}

func TestListForUserOnlyActiveNewestFirst(t *testing.T) {
	store := newFakeStore()
	older := activeLab(1, 2200, []int{3000, 3001, 3002, 3003, 3004})
	older.CreatedAt = testNow.Add(-2 * time.Hour)
	store.addLab(older)
	newer := activeLab(1, 2201, []int{3010, 3011, 3012, 3013, 3014})
	newer.CreatedAt = testNow.Add(-time.Hour)
	store.addLab(newer)
	canceled := activeLab(1, 2202, []int{3020, 3021, 3022, 3023, 3024})
	canceled.Status = db.StatusCanceledByTime
	store.addLab(canceled)
	store.addLab(activeLab(2, 2203, []int{3030, 3031, 3032, 3033, 3034}))

	m := newTestManager(store, newFakeOrch(), testSettings())
	list, err := m.ListForUser(context.Background(), 1)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 active labs for user 1, got %d", len(list))
	}
	if list[0].SSHPort != 2201 || list[1].SSHPort != 2200 {
		t.Fatalf("expected newest first, got ports %d, %d", list[0].SSHPort, list[1].SSHPort)
	}
}

func TestListDerivesUsernameForLegacyRows(t *testing.T) {
	store := newFakeStore()
	legacy := activeLab(1, 2200, []int{3000, 3001, 3002, 3003, 3004})
	legacy.Username = ""
	legacy.ContainerName = "lab-j.doe-1700000000000"
	store.addLab(legacy)

	m := newTestManager(store, newFakeOrch(), testSettings())
	list, err := m.ListForUser(context.Background(), 1)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if list[0].SSHUsername != "j.doe" {
		t.Fatalf("expected username parsed from container name, got %q", list[0].SSHUsername)
	}

	// No parseable container name either: fall back to stripping the
	// numeric suffix off the password.
	store2 := newFakeStore()
	legacy2 := activeLab(1, 2201, []int{3010, 3011, 3012, 3013, 3014})
	legacy2.Username = ""
	legacy2.ContainerName = "adhoc"
	legacy2.Password = "jdoe2024"
	store2.addLab(legacy2)

	m2 := newTestManager(store2, newFakeOrch(), testSettings())
	list2, err := m2.ListForUser(context.Background(), 1)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if list2[0].SSHUsername != "jdoe" {
		t.Fatalf("expected password-derived username, got %q", list2[0].SSHUsername)
	}
}

func TestListAllIncludesCanceled(t *testing.T) {
	store := newFakeStore()
	store.addLab(activeLab(1, 2200, []int{3000, 3001, 3002, 3003, 3004}))
	gone := activeLab(2, 2201, []int{3010, 3011, 3012, 3013, 3014})
	gone.Status = db.StatusCanceledByUser
	store.addLab(gone)

	m := newTestManager(store, newFakeOrch(), testSettings())
	list, err := m.ListAll(context.Background())
	if err != nil {
		t.Fatalf("list all failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected every status in ListAll, got %d rows", len(list))
	}
}

func TestDeleteByOwner(t *testing.T) {
	store := newFakeStore()
	id := store.addLab(activeLab(1, 2200, []int{3000, 3001, 3002, 3003, 3004}))
	m := newTestManager(store, newFakeOrch(), testSettings())

	if err := m.Delete(context.Background(), id, 1, false); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	lab := store.get(id)
	if lab.Status != db.StatusCanceledByUser {
		t.Fatalf("expected CANCELED_BY_USER, got %s", lab.Status)
	}
	if lab.CanceledAt == nil || lab.CancelReason != "canceled_by_user" {
		t.Fatalf("cancellation not stamped: %+v", lab)
	}
}

func TestDeleteOtherUsersLabIsNotFound(t *testing.T) {
	store := newFakeStore()
	id := store.addLab(activeLab(1, 2200, []int{3000, 3001, 3002, 3003, 3004}))
	m := newTestManager(store, newFakeOrch(), testSettings())

	if err := m.Delete(context.Background(), id, 2, false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign lab, got %v", err)
	}
	if store.get(id).Status != db.StatusActive {
		t.Fatal("foreign delete must not change the row")
	}
}

func TestDeleteAlreadyCanceledIsNotFound(t *testing.T) {
	store := newFakeStore()
	expired := activeLab(1, 2200, []int{3000, 3001, 3002, 3003, 3004})
	expired.Status = db.StatusCanceledByTime
	id := store.addLab(expired)
	m := newTestManager(store, newFakeOrch(), testSettings())

	if err := m.Delete(context.Background(), id, 1, false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for double cancel, got %v", err)
	}
}

func TestAdminDeletesForeignLab(t *testing.T) {
	store := newFakeStore()
	id := store.addLab(activeLab(1, 2200, []int{3000, 3001, 3002, 3003, 3004}))
	m := newTestManager(store, newFakeOrch(), testSettings())

	if err := m.Delete(context.Background(), id, 99, true); err != nil {
		t.Fatalf("admin delete failed: %v", err)
	}
	lab := store.get(id)
	if lab.CancelReason != "canceled_by_admin" {
		t.Fatalf("expected admin reason tag, got %q", lab.CancelReason)
	}
}

func TestSweepSkipsFailedTeardown(t *testing.T) {
	store := newFakeStore()
	orch := newFakeOrch()
	var failingID uint
	for i := 0; i < 5; i++ {
		lab := activeLab(uint(i+1), 2200+i, []int{3000 + i*10, 3001 + i*10, 3002 + i*10, 3003 + i*10, 3004 + i*10})
		lab.ExpiresAt = testNow.Add(-time.Hour)
		lab.StackID = fmt.Sprintf("%d", 500+i)
		id := store.addLab(lab)
		if i == 2 {
			failingID = id
			orch.deleteRes[lab.StackID] = portainer.DeleteResult{Outcome: portainer.Failed, Reason: "endpoint down"}
		}
	}

	m := newTestManager(store, orch, testSettings())
	swept, err := m.SweepExpired(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if swept != 4 {
		t.Fatalf("expected 4 labs swept, got %d", swept)
	}

	for _, lab := range store.labs {
		if lab.ID == failingID {
			if lab.Status != db.StatusActive {
				t.Fatalf("failed lab must stay ACTIVE, got %s", lab.Status)
			}
			continue
		}
		if lab.Status != db.StatusCanceledByTime || lab.CancelReason != "expired" {
			t.Fatalf("lab %d not swept: %+v", lab.ID, lab)
		}
	}

	// Next tick, after the orchestrator recovers, the failed lab goes too.
	delete(orch.deleteRes, store.get(failingID).StackID)
	swept, err = m.SweepExpired(context.Background())
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected the failed lab to be retried, swept=%d", swept)
	}
	if store.get(failingID).Status != db.StatusCanceledByTime {
		t.Fatal("retried lab must be canceled on the next tick")
	}
}

func TestSweepToleratesAlreadyAbsentStack(t *testing.T) {
	store := newFakeStore()
	orch := newFakeOrch()
	lab := activeLab(1, 2200, []int{3000, 3001, 3002, 3003, 3004})
	lab.ExpiresAt = testNow.Add(-time.Minute)
	lab.StackID = "700"
	orch.deleteRes["700"] = portainer.DeleteResult{Outcome: portainer.AlreadyAbsent}
	id := store.addLab(lab)

	m := newTestManager(store, orch, testSettings())
	swept, err := m.SweepExpired(context.Background())
	if err != nil || swept != 1 {
		t.Fatalf("expected 1 swept, got %d (%v)", swept, err)
	}
	if store.get(id).Status != db.StatusCanceledByTime {
		t.Fatal("lab with missing stack must still be canceled")
	}
}

func TestStatsClampAndIdempotence(t *testing.T) {
	store := newFakeStore()
	set := testSettings()
	set.MaxLabs = 2
	for i := 0; i < 3; i++ {
		store.addLab(activeLab(uint(i+1), 2200+i, []int{3000 + i*10, 3001 + i*10, 3002 + i*10, 3003 + i*10, 3004 + i*10}))
	}
	m := newTestManager(store, newFakeOrch(), set)

	first, err := m.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if first.ActiveLabs != 3 || first.MaxLabs != 2 {
		t.Fatalf("unexpected stats: %+v", first)
	}
	if first.AvailableLabs != 0 {
		t.Fatalf("available must clamp at zero, got %d", first.AvailableLabs)
	}
	if first.TotalUsers != 3 {
		t.Fatalf("expected 3 users, got %d", first.TotalUsers)
	}

	second, err := m.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if *first != *second {
		t.Fatalf("stats not idempotent: %+v vs %+v", first, second)
	}
}

func TestExtend(t *testing.T) {
	store := newFakeStore()
	id := store.addLab(activeLab(1, 2200, []int{3000, 3001, 3002, 3003, 3004}))
	before := store.get(id).ExpiresAt
	m := newTestManager(store, newFakeOrch(), testSettings())

	if err := m.Extend(context.Background(), id, 99, 0); !errors.Is(err, ErrInvalidExtension) {
		t.Fatalf("expected ErrInvalidExtension for 0 hours, got %v", err)
	}
	if err := m.Extend(context.Background(), id, 99, -3); !errors.Is(err, ErrInvalidExtension) {
		t.Fatalf("expected ErrInvalidExtension for negative hours, got %v", err)
	}
	if err := m.Extend(context.Background(), 9999, 99, 2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown lab, got %v", err)
	}

	if err := m.Extend(context.Background(), id, 99, 6); err != nil {
		t.Fatalf("extend failed: %v", err)
	}
	if got := store.get(id).ExpiresAt; !got.Equal(before.Add(6 * time.Hour)) {
		t.Fatalf("expected expiry %v, got %v", before.Add(6*time.Hour), got)
	}
}

// Strict allocation mode serializes concurrent creates; ports must be
// disjoint and the global cap must hold exactly.
func TestStrictModeConcurrentCreates(t *testing.T) {
	store := newFakeStore()
	set := testSettings()
	set.MaxLabs = 5
	m := newTestManager(store, newFakeOrch(), set)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	conns := make([]*Connection, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conns[i], errs[i] = m.Create(context.Background(), CreateRequest{
				UserID: uint(i + 1),
				Email:  fmt.Sprintf("u%d@example.com", i+1),
			})
		}(i)
	}
	wg.Wait()

	var okCount int
	seen := map[int]bool{}
	for i := range conns {
		if errs[i] != nil {
			if !errors.Is(errs[i], ErrCapacityExceeded) {
				t.Fatalf("unexpected error: %v", errs[i])
			}
			continue
		}
		okCount++
		all := append([]int{conns[i].SSH.Port}, conns[i].App.Ports...)
		for _, p := range all {
			if seen[p] {
				t.Fatalf("port %d allocated to two labs", p)
			}
			seen[p] = true
		}
	}
	if okCount != 5 {
		t.Fatalf("expected exactly 5 creates to succeed at cap 5, got %d", okCount)
	}
	if n, _ := store.CountActive(context.Background()); n != 5 {
		t.Fatalf("expected 5 active rows, got %d", n)
	}
	if store.lockTaken != callers {
		t.Fatalf("every create must take the allocation lock, got %d of %d", store.lockTaken, callers)
	}
}

func TestStatusTransitionTable(t *testing.T) {
	cases := []struct {
		from db.LabStatus
		to   db.LabStatus
		ok   bool
	}{
		{db.StatusActive, db.StatusCanceledByUser, true},
		{db.StatusActive, db.StatusCanceledByTime, true},
		{db.StatusCanceledByUser, db.StatusActive, false},
		{db.StatusCanceledByUser, db.StatusCanceledByTime, false},
		{db.StatusCanceledByTime, db.StatusActive, false},
		{db.StatusCanceledByTime, db.StatusCanceledByUser, false},
		{db.StatusActive, db.StatusActive, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransitionTo(c.to); got != c.ok {
			t.Fatalf("transition %s -> %s: got %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestActivityLogWrittenOnLifecycleEvents(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store, newFakeOrch(), testSettings())

	conn, err := m.Create(context.Background(), CreateRequest{UserID: 1, Email: "u1@example.com"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := m.Delete(context.Background(), conn.LabID, 1, false); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	var actions []string
	for _, a := range store.activity {
		actions = append(actions, a.Action)
	}
	if len(actions) != 2 || actions[0] != "lab_created" || actions[1] != "lab_deleted" {
		t.Fatalf("unexpected activity trail: %v", actions)
	}
}
