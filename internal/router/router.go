package router

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/a-marczewski/kparouter/internal/classifier"
	"github.com/a-marczewski/kparouter/internal/evidence"
	"github.com/a-marczewski/kparouter/internal/tokens"
)

// Routing reasons. An empty reason means the evidence was routed to a category.
const (
	ReasonPolicyViolation = "POLICY_VIOLATION"
	ReasonLowConfidence   = "LOW_CONFIDENCE"
	ReasonAmbiguous       = "AMBIGUOUS"
)

// Routing targets.
const (
	RoutedToDirector = "director"
	RoutedToKPA      = "kpa"
)

// Unassigned is the bucket used when a confident classification has no category.
const Unassigned = "UNASSIGNED"

// DefaultMinConfidence is the confidence below which evidence goes to review.
const DefaultMinConfidence = 0.3

// ErrSourceMissing is returned when the evidence file vanished before placement.
var ErrSourceMissing = fmt.Errorf("evidence source missing: %w", fs.ErrNotExist)

// Decision describes where a piece of evidence ended up and why.
type Decision struct {
	EvidenceID  string `json:"evidence_id"`
	Destination string `json:"destination"`
	Reason      string `json:"reason,omitempty"`
	RoutedTo    string `json:"routed_to"`
	KPA         string `json:"kpa"`
}

// Options configures a Router.
type Options struct {
	KPABase       string
	DirectorQueue string
	MinConfidence float64
	Rules         []PolicyRule
	Logger        *zap.Logger
	Now           func() time.Time
}

// Router moves classified evidence into category buckets or the review queue.
type Router struct {
	kpaBase       string
	directorQueue string
	minConfidence float64
	rules         []PolicyRule
	logger        *zap.Logger
	now           func() time.Time
}

// New creates a Router.
func New(opts Options) *Router {
	r := &Router{
		kpaBase:       opts.KPABase,
		directorQueue: opts.DirectorQueue,
		minConfidence: opts.MinConfidence,
		rules:         opts.Rules,
		logger:        opts.Logger,
		now:           opts.Now,
	}
	if r.minConfidence <= 0 {
		r.minConfidence = DefaultMinConfidence
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Decide picks the target without touching the filesystem.
// The first matching rule wins: policy, low confidence, ambiguity, category.
func (r *Router) Decide(ev evidence.Evidence, cls classifier.Classification) (reason string, dir string) {
	if kw, hit := violates(r.rules, tokens.Whitespace(ev.Text)); hit {
		r.logger.Debug("Policy keyword matched",
			zap.String("evidence_id", ev.ID),
			zap.String("keyword", kw))
		return ReasonPolicyViolation, r.directorQueue
	}
	if cls.Confidence < r.minConfidence {
		return ReasonLowConfidence, r.directorQueue
	}
	if cls.Ambiguous {
		return ReasonAmbiguous, r.directorQueue
	}
	return "", filepath.Join(r.kpaBase, bucket(cls.KPA))
}

// Route decides the destination and places the evidence there.
func (r *Router) Route(ev evidence.Evidence, cls classifier.Classification) (Decision, error) {
	reason, dir := r.Decide(ev, cls)

	decision := Decision{
		EvidenceID: ev.ID,
		Reason:     reason,
		RoutedTo:   RoutedToKPA,
		KPA:        cls.KPA,
	}
	label := bucket(cls.KPA)
	if reason != "" {
		decision.RoutedTo = RoutedToDirector
		label = reason
	}

	ext, err := r.source(ev)
	if err != nil {
		return decision, err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return decision, fmt.Errorf("create destination %s: %w", dir, err)
	}

	name := BuildFilename(label, cls.Confidence, r.now().Unix(), ev.ID, ext)
	dest, err := UniquePath(dir, name, func() (string, error) { return contentHash(ev) })
	if err != nil {
		return decision, fmt.Errorf("resolve destination: %w", err)
	}

	if ev.Path == "" {
		if err := os.WriteFile(dest, []byte(ev.Text), 0644); err != nil {
			return decision, fmt.Errorf("write evidence text: %w", err)
		}
	} else if err := moveFile(ev.Path, dest); err != nil {
		return decision, err
	}

	decision.Destination = dest
	r.logger.Debug("Evidence routed",
		zap.String("evidence_id", ev.ID),
		zap.String("routed_to", decision.RoutedTo),
		zap.String("reason", reason),
		zap.String("destination", dest))
	return decision, nil
}

// source checks the evidence file is present and returns the destination extension.
func (r *Router) source(ev evidence.Evidence) (string, error) {
	if ev.Path == "" {
		return ".txt", nil
	}
	info, err := os.Stat(ev.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrSourceMissing, ev.Path)
		}
		return "", fmt.Errorf("stat evidence %s: %w", ev.Path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("evidence %s is a directory", ev.Path)
	}
	return filepath.Ext(ev.Path), nil
}

// contentHash is the collision suffix source: the file contents, or the text
// when there is no file.
func contentHash(ev evidence.Evidence) (string, error) {
	if ev.Path == "" {
		return evidence.ComputeHash([]byte(ev.Text)), nil
	}
	return evidence.HashFile(ev.Path)
}

func bucket(kpa string) string {
	if kpa == "" {
		return Unassigned
	}
	return kpa
}

// moveFile renames src to dst, copying across devices when rename fails.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	} else if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrSourceMissing, src)
	}

	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrSourceMissing, src)
		}
		return fmt.Errorf("open evidence: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copy evidence: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return fmt.Errorf("close destination: %w", err)
	}
	in.Close()
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("remove source after copy: %w", err)
	}
	return nil
}
