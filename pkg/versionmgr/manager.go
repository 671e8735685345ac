package versionmgr

import (
	"context"
	"sync"

	"github.com/containerd/log"
)

// DefaultMaxVersions is the hard cap on versions ever allocated by a
// Manager over its lifetime.
const DefaultMaxVersions = 900

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithNotifier sets the notification/presentation-layer adapter. Without
// one, Phase C registration and event emission are silently skipped —
// useful for tests that only care about forest shape.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithMaxVersions overrides DefaultMaxVersions.
func WithMaxVersions(max int) Option {
	return func(m *Manager) { m.maxVersions = max }
}

// Manager is the version-tree manager: the Version Store, Init Queue,
// Processor, and the single global ordering lock that covers all three,
// bundled behind a small set of public operations. Construct once per
// process lifetime with NewManager.
type Manager struct {
	mu sync.Mutex

	st    *store
	queue *initQueue
	maxID VersionID

	// createdN counts non-root versions ever allocated (via New or
	// BootstrapLoad), checked against maxVersions. The root does not
	// count against the cap.
	createdN    int
	maxVersions int
	zeroInited  bool

	notifier Notifier
}

// NewManager constructs an empty Manager. Call ZeroInit or BootstrapLoad
// before any other operation.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		st:          newStore(),
		queue:       newInitQueue(),
		maxVersions: DefaultMaxVersions,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ZeroInit creates the root version (id 0), already Linked, with no
// parent. It may be called only once per Manager lifetime.
func (m *Manager) ZeroInit(ctx context.Context) error {
	m.mu.Lock()
	if m.zeroInited {
		m.mu.Unlock()
		return newError(CodeInvalidArgument, "ZeroInit", InvalidVersionID, "already initialized")
	}
	root := &version{
		id:            0,
		parentID:      0,
		attachmentTag: InvalidTag,
		flags:         flagLinked,
		hasDFS:        true,
		enter:         1,
		exit:          1,
	}
	m.st.insert(root)
	m.maxID = 0
	m.zeroInited = true
	m.mu.Unlock()

	if m.notifier != nil {
		if err := m.notifier.Register(ctx, 0); err != nil {
			log.G(ctx).WithError(err).Warn("presentation-layer registration failed for root version")
		}
	}
	return nil
}

// BootstrapLoad opens src, creates one record per entry (queued for
// linkage unless id 0), updates the high-water id, then runs the
// processor. Fails on allocation exhaustion or persistence errors; any
// error aborts the whole load.
func (m *Manager) BootstrapLoad(ctx context.Context, src PersistenceSource) error {
	if err := src.Open(ctx); err != nil {
		return newError(CodePersistence, "BootstrapLoad", InvalidVersionID, err.Error())
	}
	defer src.Close(ctx)

	m.mu.Lock()

	var loadErr error
	var root *version
	err := src.Iterate(ctx, func(e Entry) error {
		if e.ID != 0 && m.createdN >= m.maxVersions {
			loadErr = newError(CodeOverLimit, "BootstrapLoad", e.ID, "version cap reached")
			return loadErr
		}

		v := &version{
			id:            e.ID,
			parentID:      e.ParentID,
			attachmentTag: e.AttachmentTag,
			sizeHint:      e.SizeHint,
		}
		m.st.insert(v)
		if e.ID != 0 {
			m.createdN++
		}
		if e.ID > m.maxID {
			m.maxID = e.ID
		}
		if e.ID != 0 {
			m.queue.pushFront(v)
		} else {
			v.flags |= flagLinked
			v.hasDFS = false
			m.zeroInited = true
			root = v
		}
		return nil
	})
	if err != nil {
		m.mu.Unlock()
		if loadErr != nil {
			return loadErr
		}
		return newError(CodePersistence, "BootstrapLoad", InvalidVersionID, err.Error())
	}

	staged := m.process(ctx)
	if root != nil {
		staged = append(staged, root)
	}
	m.mu.Unlock()

	m.notifyRegistrations(ctx, staged)
	return nil
}

// New allocates a new version as a child of parentID, of the given kind,
// with the given attachment tag (or InvalidTag to inherit) and size hint.
// It returns InvalidVersionID and a *Error with CodeRuleViolation if the
// snapshot/clone creation rules reject the version.
func (m *Manager) New(ctx context.Context, kind Kind, parentID VersionID, tag AttachmentTag, size uint64) (VersionID, error) {
	m.mu.Lock()
	if _, ok := m.st.get(parentID); !ok {
		m.mu.Unlock()
		return InvalidVersionID, newError(CodeNotFound, "New", parentID, "parent not found")
	}
	if m.createdN >= m.maxVersions {
		m.mu.Unlock()
		log.G(ctx).Warn("version cap reached, rejecting creation")
		return InvalidVersionID, newError(CodeOverLimit, "New", InvalidVersionID, "version cap reached")
	}

	m.maxID++
	id := m.maxID
	v := &version{
		id:            id,
		parentID:      parentID,
		attachmentTag: tag,
		sizeHint:      size,
	}
	if kind == Snapshot {
		v.flags |= flagSnapshot
	}
	m.st.insert(v)
	m.createdN++
	m.queue.pushFront(v)

	staged := m.process(ctx)
	m.mu.Unlock()

	m.notifyRegistrations(ctx, staged)

	m.mu.Lock()
	linked := v.flags.has(flagLinked)
	if !linked {
		m.st.remove(id)
		// Give the id back unless another New allocated past it while the
		// lock was released.
		if m.maxID == id {
			m.maxID--
			m.createdN--
		}
	}
	m.mu.Unlock()

	if !linked {
		return InvalidVersionID, newError(CodeRuleViolation, "New", id, "snapshot/clone creation rule violated")
	}

	if m.notifier != nil {
		m.notifier.Created(ctx, id)
	}
	return id, nil
}

// Attach marks id Attached. Fails with CodeBusy if already attached, or
// CodeNotFound if id is unknown.
func (m *Manager) Attach(id VersionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.st.get(id)
	if !ok {
		return newError(CodeNotFound, "Attach", id, "unknown version")
	}
	if v.flags.has(flagAttached) {
		return newError(CodeBusy, "Attach", id, "already attached")
	}
	v.flags |= flagAttached
	return nil
}

// Detach clears Attached on id. id must currently be attached; violating
// that is a fatal invariant error (matching the kernel module's BUG_ON).
func (m *Manager) Detach(id VersionID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.st.get(id)
	if !ok {
		panic("versionmgr: Detach of unknown version")
	}
	if !v.flags.has(flagAttached) {
		panic("versionmgr: Detach of non-attached version")
	}
	v.flags &^= flagAttached
}

// Read returns a snapshot of id's current fields.
func (m *Manager) Read(id VersionID) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.st.get(id)
	if !ok {
		return Info{}, newError(CodeNotFound, "Read", id, "unknown version")
	}
	return v.info(), nil
}

// IsAncestor reports whether candidate is an ancestor of (or equal to) v,
// in O(1) using DFS enter/exit numbers.
func (m *Manager) IsAncestor(candidate, v VersionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cv, ok := m.st.get(candidate)
	if !ok {
		panic("versionmgr: IsAncestor: unknown candidate version")
	}
	vv, ok := m.st.get(v)
	if !ok {
		panic("versionmgr: IsAncestor: unknown version")
	}
	if !cv.hasDFS || !vv.hasDFS {
		panic("versionmgr: IsAncestor: version not yet numbered")
	}
	return vv.enter >= cv.enter && vv.enter <= cv.exit
}

// Compare returns sign(a.enter - b.enter), a total order compatible with
// the forest's pre-order traversal.
func (m *Manager) Compare(a, b VersionID) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	av, ok := m.st.get(a)
	if !ok {
		panic("versionmgr: Compare: unknown version")
	}
	bv, ok := m.st.get(b)
	if !ok {
		panic("versionmgr: Compare: unknown version")
	}
	if !av.hasDFS || !bv.hasDFS {
		panic("versionmgr: Compare: version not yet numbered")
	}
	switch {
	case av.enter < bv.enter:
		return -1
	case av.enter > bv.enter:
		return 1
	default:
		return 0
	}
}

// MaxID returns the id that would be handed out next.
func (m *Manager) MaxID() VersionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxID + 1
}

// DeleteSubtree iteratively prunes leaves starting from rootID until
// rootID itself is removed. Fatal if any version in the subtree is
// Attached. Runs the processor afterward to renumber survivors.
func (m *Manager) DeleteSubtree(ctx context.Context, rootID VersionID) error {
	m.mu.Lock()

	root, ok := m.st.get(rootID)
	if !ok {
		m.mu.Unlock()
		return newError(CodeNotFound, "DeleteSubtree", rootID, "unknown version")
	}
	if subtreeHasAttached(root) {
		m.mu.Unlock()
		panic("versionmgr: DeleteSubtree: subtree contains an attached version")
	}

	cur := root
	for {
		for cur.firstChild != nil {
			cur = cur.firstChild
		}
		isTarget := cur == root
		parent := cur.parent
		id := cur.id

		// Deregister must precede store removal for this leaf: presentation
		// and store must agree, so a failure here is fatal before the store
		// is touched, leaving this id (and every id still to come) intact.
		if m.notifier != nil {
			if err := m.notifier.Deregister(ctx, id); err != nil {
				m.mu.Unlock()
				panic("versionmgr: Deregister failed for version " + err.Error())
			}
		}

		if parent != nil {
			removeChild(cur)
		}
		m.st.remove(id)

		if m.notifier != nil {
			m.notifier.Destroyed(ctx, id)
		}

		if isTarget {
			break
		}
		cur = parent
	}

	staged := m.process(ctx)
	m.mu.Unlock()

	m.notifyRegistrations(ctx, staged)
	return nil
}

// subtreeHasAttached walks a subtree via firstChild/nextSibling (no
// recursion limit concerns here since it's read-only and bounded by the
// live version cap) looking for any Attached record.
func subtreeHasAttached(root *version) bool {
	stack := []*version{root}
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if v.flags.has(flagAttached) {
			return true
		}
		for c := v.firstChild; c != nil; c = c.nextSibling {
			stack = append(stack, c)
		}
	}
	return false
}

// Writeback serializes every live version into sink, releasing the lock
// around each Append call so other callers are not blocked on persistence
// I/O. sessionID is passed through to sink.Open for adapters that want to
// tag the artifact.
func (m *Manager) Writeback(ctx context.Context, sink PersistenceSink, sessionID string) error {
	m.mu.Lock()
	ids := make([]VersionID, 0, m.st.len())
	m.st.forEach(func(v *version) { ids = append(ids, v.id) })

	if err := sink.Open(ctx, sessionID, entrySize); err != nil {
		m.mu.Unlock()
		return newError(CodePersistence, "Writeback", InvalidVersionID, err.Error())
	}

	for _, id := range ids {
		v, ok := m.st.get(id)
		if !ok {
			// Removed by a concurrent DeleteSubtree since the id list was
			// captured; skip it, the writeback is a best-effort snapshot.
			continue
		}
		e := entryFromVersion(v)

		m.mu.Unlock()
		appendErr := sink.Append(ctx, e)
		m.mu.Lock()

		if appendErr != nil {
			m.mu.Unlock()
			_ = sink.Close(ctx)
			return newError(CodePersistence, "Writeback", id, appendErr.Error())
		}
	}
	m.mu.Unlock()

	if err := sink.Close(ctx); err != nil {
		return newError(CodePersistence, "Writeback", InvalidVersionID, err.Error())
	}
	return nil
}

// entrySize is the logical size in bytes of a persisted Entry: u32 id, u32
// parent_id, u64 size_hint, u32 attachment_tag.
const entrySize = 4 + 4 + 8 + 4

func entryFromVersion(v *version) Entry {
	parentID := VersionID(0)
	if v.parent != nil {
		parentID = v.parent.id
	}
	return Entry{
		ID:            v.id,
		ParentID:      parentID,
		SizeHint:      v.sizeHint,
		AttachmentTag: v.attachmentTag,
	}
}
