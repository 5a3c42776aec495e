// Package conflict decides which value wins when the local and remote copies
// of one entity disagree, and remembers deletions so a stale edit can never
// resurrect a deleted entity.
//
// A Resolver is generic over the entity type so each kind (channels,
// messages, users) gets its own merge function while sharing detection and
// the strategy table.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/snehjoshi/chatsync/internal/types"
)

var (
	// ErrMergeUnsupported is returned by the merge strategy when no merge
	// function is registered for the entity type.
	ErrMergeUnsupported = errors.New("conflict: merge not supported for this entity")

	// ErrMergeConflict is returned by a merge function when the two sides
	// cannot be combined without a human decision.
	ErrMergeConflict = errors.New("conflict: values cannot be merged")

	// ErrUserResolution is returned by the user_prompt strategy when no
	// prompt is registered or the prompt failed.
	ErrUserResolution = errors.New("conflict: user resolution unavailable")

	// ErrUnknownStrategy is returned for a strategy outside the table.
	ErrUnknownStrategy = errors.New("conflict: unknown strategy")
)

// DefaultConcurrentWindow is the timestamp delta under which two edits count
// as concurrent.
const DefaultConcurrentWindow = time.Second

// Type classifies a conflict.
type Type string

const (
	ConcurrentEdit  Type = "concurrent_edit"
	DeleteEdit      Type = "delete_edit"
	Duplicate       Type = "duplicate"
	VersionMismatch Type = "version_mismatch"
)

// Strategy selects how a conflict is resolved.
type Strategy string

const (
	LocalWins     Strategy = "local_wins"
	RemoteWins    Strategy = "remote_wins"
	LastWriteWins Strategy = "last_write_wins"
	Merge         Strategy = "merge"
	UserPrompt    Strategy = "user_prompt"
)

// Side names where a resolved value came from.
type Side string

const (
	SideNone   Side = ""
	SideLocal  Side = "local"
	SideRemote Side = "remote"
	SideMerged Side = "merged"
	SideUser   Side = "user"
)

// Entity is what the resolver needs to know about a value.
type Entity interface {
	EntityID() string
	LastModified() int64
}

// Conflict is a detected disagreement between two versions of one entity.
// Local or Remote may be nil only for caller-classified conflicts such as
// delete_edit, where nil stands for the deleted side.
type Conflict[T Entity] struct {
	ID              string         `json:"id"`
	Type            Type           `json:"type"`
	ItemType        types.ItemType `json:"item_type"`
	EntityID        string         `json:"entity_id"`
	Local           *T             `json:"local,omitempty"`
	Remote          *T             `json:"remote,omitempty"`
	Ancestor        *T             `json:"ancestor,omitempty"`
	LocalTimestamp  int64          `json:"local_timestamp"`
	RemoteTimestamp int64          `json:"remote_timestamp"`
}

// Result is the outcome of resolving one conflict. Value nil with Resolved
// true means the winning side is a deletion.
type Result[T Entity] struct {
	Resolved       bool
	Value          *T
	Winner         Side
	NeedsUserInput bool
	Strategy       Strategy
	Err            error
}

// MergeFunc combines two versions. It returns ErrMergeConflict when the
// versions cannot be combined automatically.
type MergeFunc[T Entity] func(local, remote, ancestor *T) (*T, error)

// PromptFunc asks the user to pick or compose the winning value.
type PromptFunc[T Entity] func(ctx context.Context, c *Conflict[T]) (*T, error)

// Option configures a Resolver.
type Option[T Entity] func(*Resolver[T])

// WithMerge registers the type-specific merge function.
func WithMerge[T Entity](fn MergeFunc[T]) Option[T] {
	return func(r *Resolver[T]) { r.merge = fn }
}

// WithPrompt registers the user_prompt callback.
func WithPrompt[T Entity](fn PromptFunc[T]) Option[T] {
	return func(r *Resolver[T]) { r.prompt = fn }
}

// WithWindow overrides DefaultConcurrentWindow.
func WithWindow[T Entity](d time.Duration) Option[T] {
	return func(r *Resolver[T]) { r.window = d }
}

// WithLogger sets the logger.
func WithLogger[T Entity](l *zap.Logger) Option[T] {
	return func(r *Resolver[T]) { r.log = l }
}

// Resolver detects and resolves conflicts for one entity type. It holds no
// mutable state after construction apart from the prompt, which SetPrompt
// may replace; callers must not race SetPrompt with Resolve.
type Resolver[T Entity] struct {
	itemType types.ItemType
	window   time.Duration
	merge    MergeFunc[T]
	prompt   PromptFunc[T]
	log      *zap.Logger
}

// ItemType returns the entity type the resolver handles.
func (r *Resolver[T]) ItemType() types.ItemType { return r.itemType }

// NewResolver returns a resolver for entities of itemType.
func NewResolver[T Entity](itemType types.ItemType, opts ...Option[T]) *Resolver[T] {
	r := &Resolver[T]{
		itemType: itemType,
		window:   DefaultConcurrentWindow,
		log:      zap.NewNop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetPrompt replaces the user_prompt callback. nil removes it.
func (r *Resolver[T]) SetPrompt(fn PromptFunc[T]) { r.prompt = fn }

// Window returns the concurrent-edit window.
func (r *Resolver[T]) Window() time.Duration { return r.window }

// ─── Detection ────────────────────────────────────────────────────────────────

// DetectConflict compares two versions of one entity. It returns nil when
// either side is missing or both carry the same timestamp. A delta below the
// window is a concurrent_edit; anything larger is a version_mismatch.
func (r *Resolver[T]) DetectConflict(local, remote *T) *Conflict[T] {
	if local == nil || remote == nil {
		return nil
	}
	lt, rt := (*local).LastModified(), (*remote).LastModified()
	if lt == rt {
		return nil
	}
	delta := lt - rt
	if delta < 0 {
		delta = -delta
	}
	typ := VersionMismatch
	if delta < r.window.Milliseconds() {
		typ = ConcurrentEdit
	}
	return r.NewConflict(typ, local, remote)
}

// NewConflict builds a conflict the caller classified itself, such as
// delete_edit or duplicate.
func (r *Resolver[T]) NewConflict(typ Type, local, remote *T) *Conflict[T] {
	c := &Conflict[T]{
		ID:       uuid.NewString(),
		Type:     typ,
		ItemType: r.itemType,
		Local:    local,
		Remote:   remote,
	}
	if local != nil {
		c.EntityID = (*local).EntityID()
		c.LocalTimestamp = (*local).LastModified()
	}
	if remote != nil {
		if c.EntityID == "" {
			c.EntityID = (*remote).EntityID()
		}
		c.RemoteTimestamp = (*remote).LastModified()
	}
	return c
}

// ─── Resolution ───────────────────────────────────────────────────────────────

// Resolve applies strategy to c.
func (r *Resolver[T]) Resolve(ctx context.Context, c *Conflict[T], strategy Strategy) Result[T] {
	res := Result[T]{Strategy: strategy}
	switch strategy {
	case LocalWins:
		res.Resolved, res.Value, res.Winner = true, c.Local, SideLocal

	case RemoteWins:
		res.Resolved, res.Value, res.Winner = true, c.Remote, SideRemote

	case LastWriteWins:
		res.Resolved = true
		if c.LocalTimestamp > c.RemoteTimestamp {
			res.Value, res.Winner = c.Local, SideLocal
		} else {
			res.Value, res.Winner = c.Remote, SideRemote
		}

	case Merge:
		r.resolveMerge(c, &res)

	case UserPrompt:
		r.resolvePrompt(ctx, c, &res)

	default:
		res.Err = fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}

	r.log.Debug("conflict resolved",
		zap.String("conflict", c.ID),
		zap.String("type", string(c.Type)),
		zap.String("entity", c.EntityID),
		zap.String("strategy", string(strategy)),
		zap.Bool("resolved", res.Resolved),
		zap.String("winner", string(res.Winner)),
	)
	return res
}

func (r *Resolver[T]) resolveMerge(c *Conflict[T], res *Result[T]) {
	if r.merge == nil {
		res.Err = ErrMergeUnsupported
		return
	}
	if c.Local == nil || c.Remote == nil {
		res.Err = fmt.Errorf("%w: one side is absent", ErrMergeConflict)
		res.NeedsUserInput = true
		return
	}
	v, err := r.merge(c.Local, c.Remote, c.Ancestor)
	if err != nil {
		res.Err = err
		res.NeedsUserInput = errors.Is(err, ErrMergeConflict)
		return
	}
	res.Resolved, res.Value, res.Winner = true, v, SideMerged
}

func (r *Resolver[T]) resolvePrompt(ctx context.Context, c *Conflict[T], res *Result[T]) {
	prompt := r.prompt
	if prompt == nil {
		res.NeedsUserInput = true
		res.Err = ErrUserResolution
		return
	}
	v, err := callPrompt(ctx, prompt, c)
	if err != nil {
		res.NeedsUserInput = true
		res.Err = fmt.Errorf("%w: %w", ErrUserResolution, err)
		return
	}
	res.Resolved, res.Value, res.Winner = true, v, SideUser
}

func callPrompt[T Entity](ctx context.Context, fn PromptFunc[T], c *Conflict[T]) (v *T, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("prompt panicked: %v", p)
		}
	}()
	return fn(ctx, c)
}

// AutoResolve picks a strategy from the conflict type:
//
//	concurrent_edit   merge, falling back to last_write_wins
//	delete_edit       remote_wins (the deletion)
//	duplicate         last_write_wins
//	version_mismatch  last_write_wins
func (r *Resolver[T]) AutoResolve(ctx context.Context, c *Conflict[T]) Result[T] {
	switch c.Type {
	case ConcurrentEdit:
		if res := r.Resolve(ctx, c, Merge); res.Resolved {
			return res
		}
		return r.Resolve(ctx, c, LastWriteWins)
	case DeleteEdit:
		return r.Resolve(ctx, c, RemoteWins)
	default:
		return r.Resolve(ctx, c, LastWriteWins)
	}
}

// ResolveMany applies one strategy to every conflict, preserving order.
func (r *Resolver[T]) ResolveMany(ctx context.Context, cs []*Conflict[T], strategy Strategy) []Result[T] {
	out := make([]Result[T], len(cs))
	for i, c := range cs {
		out[i] = r.Resolve(ctx, c, strategy)
	}
	return out
}
