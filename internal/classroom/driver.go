// Package classroom drives one document's classroom session: page
// navigation, live sync, recording cuts, and focus-driven speech.
package classroom

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/lectern/internal/announce"
	"github.com/MarcoPoloResearchLab/lectern/internal/capture"
	"github.com/MarcoPoloResearchLab/lectern/internal/livesync"
	"github.com/MarcoPoloResearchLab/lectern/internal/speech"
	"go.uber.org/zap"
)

var (
	// ErrQuit is returned by Execute for the quit command.
	ErrQuit = errors.New("classroom: quit")
	// ErrUnknownCommand reports an unrecognised command line.
	ErrUnknownCommand = errors.New("classroom: unknown command")
	// ErrInvalidArgument reports a malformed command argument.
	ErrInvalidArgument = errors.New("classroom: invalid argument")

	errMissingDocument = errors.New("classroom: document id required")
	errMissingUploader = errors.New("classroom: uploader required")
	errMissingNarrator = errors.New("classroom: narrator required")
)

// LiveChannel is the subset of livesync.Channel the driver uses.
type LiveChannel interface {
	SetHandlers(handlers livesync.Handlers) func()
	SetTotalPages(total int)
	NotifyLocalPage(page int) bool
	SendToggleSync(enabled bool) bool
}

// Uploader is the subset of capture.SegmentUploader the driver uses.
type Uploader interface {
	Mount(ctx context.Context, documentID string, options capture.MountOptions) (capture.Session, error)
	StartRecording(ctx context.Context, documentID string) error
	Pause(ctx context.Context, documentID string) error
	Resume(ctx context.Context, documentID string) error
	CutPage(ctx context.Context, documentID, leavingPageID string) error
	EndLecture(ctx context.Context, documentID, pageID string) error
	LogicalSeconds(ctx context.Context, documentID string) (int64, error)
}

// Narrator is the subset of speech.Coordinator the driver uses.
type Narrator interface {
	SetPage(pageKey string, content speech.Content)
	SetMode(mode speech.Mode)
	Focus(region speech.Region)
	Stop()
}

// Preferences stores the user's sound preferences.
type Preferences interface {
	SetSoundRate(ctx context.Context, rate float64) error
	SetVoicePreference(ctx context.Context, voice speech.VoicePreference) error
}

// ContentSource returns the readable content of a page.
type ContentSource func(page int) speech.Content

// Config describes a Driver.
type Config struct {
	DocumentID  string
	Role        livesync.Role
	TotalPages  int
	Channel     LiveChannel
	Uploader    Uploader
	Narrator    Narrator
	Speaker     speech.Speaker
	Preferences Preferences
	Content     ContentSource
	Announcer   announce.Announcer
	Output      io.Writer
	Logger      *zap.Logger
}

// Driver applies navigation commands to the session's collaborators. Page
// changes from the command line and from live sync are serialized.
type Driver struct {
	documentID  string
	role        livesync.Role
	channel     LiveChannel
	uploader    Uploader
	narrator    Narrator
	speaker     speech.Speaker
	preferences Preferences
	content     ContentSource
	announcer   announce.Announcer
	out         io.Writer
	logger      *zap.Logger

	navMu sync.Mutex

	mu         sync.Mutex
	page       int
	totalPages int
	follow     bool
	unbind     func()
}

// NewDriver constructs a Driver positioned on page 1.
func NewDriver(cfg Config) (*Driver, error) {
	if strings.TrimSpace(cfg.DocumentID) == "" {
		return nil, errMissingDocument
	}
	if cfg.Uploader == nil {
		return nil, errMissingUploader
	}
	if cfg.Narrator == nil {
		return nil, errMissingNarrator
	}
	role := cfg.Role
	if role == "" {
		role = livesync.RoleStudent
	}
	var announcer announce.Announcer = announce.Nop{}
	if cfg.Announcer != nil {
		announcer = cfg.Announcer
	}
	out := cfg.Output
	if out == nil {
		out = io.Discard
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	content := cfg.Content
	if content == nil {
		content = func(int) speech.Content { return speech.Content{} }
	}

	d := &Driver{
		documentID:  cfg.DocumentID,
		role:        role,
		channel:     cfg.Channel,
		uploader:    cfg.Uploader,
		narrator:    cfg.Narrator,
		speaker:     cfg.Speaker,
		preferences: cfg.Preferences,
		content:     content,
		announcer:   announcer,
		out:         out,
		logger:      logger.With(zap.String("document_id", cfg.DocumentID)),
		page:        1,
		totalPages:  cfg.TotalPages,
		follow:      role == livesync.RoleStudent,
	}
	if d.channel != nil {
		d.channel.SetTotalPages(cfg.TotalPages)
		d.unbind = d.channel.SetHandlers(livesync.Handlers{
			OnRemotePage: d.remotePage,
			OnToggleSync: d.remoteToggle,
			CurrentPage:  d.Page,
		})
	}
	return d, nil
}

// PageID is the upload identity of a page of a document.
func PageID(documentID string, page int) string {
	return fmt.Sprintf("%s-%d", documentID, page)
}

// Start restores the recording ledger and loads the first page.
func (d *Driver) Start(ctx context.Context, options capture.MountOptions) error {
	session, err := d.uploader.Mount(ctx, d.documentID, options)
	if err != nil {
		return err
	}
	d.logger.Info("session mounted",
		zap.String("status", string(session.Status)),
		zap.Int64("accumulated_seconds", session.Accumulated),
	)
	page := d.Page()
	d.narrator.SetPage(PageID(d.documentID, page), d.content(page))
	if d.role == livesync.RoleAssistant && d.channel != nil {
		d.channel.NotifyLocalPage(page)
	}
	return nil
}

// Close detaches the driver from live sync.
func (d *Driver) Close() {
	d.mu.Lock()
	unbind := d.unbind
	d.unbind = nil
	d.mu.Unlock()
	if unbind != nil {
		unbind()
	}
}

// Page returns the current page.
func (d *Driver) Page() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.page
}

// Following reports whether remote page changes move this client.
func (d *Driver) Following() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.follow
}

// Run executes commands read line by line until quit, EOF, or ctx ends.
// Command failures are reported on the output and do not stop the loop.
func (d *Driver) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			err := d.Execute(ctx, line)
			if errors.Is(err, ErrQuit) {
				return nil
			}
			if err != nil {
				d.printf("error: %v\n", err)
			}
		}
	}
}

// Execute applies one command line.
func (d *Driver) Execute(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	command := strings.ToLower(fields[0])
	args := fields[1:]

	switch command {
	case "page":
		page, err := intArgument(args)
		if err != nil {
			return err
		}
		return d.navigate(ctx, page, true)
	case "next":
		return d.navigate(ctx, d.Page()+1, true)
	case "prev":
		return d.navigate(ctx, d.Page()-1, true)
	case "total":
		total, err := intArgument(args)
		if err != nil || total < 0 {
			return fmt.Errorf("%w: total requires a non-negative number", ErrInvalidArgument)
		}
		d.setTotal(total)
		return nil
	case "record":
		return d.uploader.StartRecording(ctx, d.documentID)
	case "pause":
		return d.uploader.Pause(ctx, d.documentID)
	case "resume":
		return d.uploader.Resume(ctx, d.documentID)
	case "end":
		if err := d.uploader.EndLecture(ctx, d.documentID, PageID(d.documentID, d.Page())); err != nil {
			return err
		}
		d.announcer.Announce(announce.Info("Lecture ended"))
		return nil
	case "status":
		return d.status(ctx)
	case "follow":
		enabled, err := onOffArgument(args)
		if err != nil {
			return err
		}
		d.setFollow(enabled)
		return nil
	case "focus":
		region, ok := speech.ParseRegion(firstArgument(args))
		if !ok {
			return fmt.Errorf("%w: focus requires body, summary, or outside", ErrInvalidArgument)
		}
		d.narrator.Focus(region)
		return nil
	case "mode":
		mode, ok := speech.ParseMode(firstArgument(args))
		if !ok {
			return fmt.Errorf("%w: mode requires ocr or original", ErrInvalidArgument)
		}
		d.narrator.SetMode(mode)
		return nil
	case "say":
		if d.speaker == nil {
			return fmt.Errorf("%w: speech is not configured", ErrInvalidArgument)
		}
		return d.speaker.Speak(ctx, strings.Join(args, " "))
	case "stop":
		d.narrator.Stop()
		if d.speaker != nil {
			d.speaker.Stop()
		}
		return nil
	case "rate":
		if d.preferences == nil {
			return fmt.Errorf("%w: preferences are not configured", ErrInvalidArgument)
		}
		rate, err := strconv.ParseFloat(firstArgument(args), 64)
		if err != nil {
			return fmt.Errorf("%w: rate requires a number", ErrInvalidArgument)
		}
		return d.preferences.SetSoundRate(ctx, rate)
	case "voice":
		if d.preferences == nil {
			return fmt.Errorf("%w: preferences are not configured", ErrInvalidArgument)
		}
		voice, err := speech.ParseVoicePreference(firstArgument(args))
		if err != nil {
			return err
		}
		return d.preferences.SetVoicePreference(ctx, voice)
	case "quit", "exit":
		return ErrQuit
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}
}

func (d *Driver) navigate(ctx context.Context, requested int, local bool) error {
	d.navMu.Lock()
	defer d.navMu.Unlock()

	d.mu.Lock()
	target := livesync.ClampPage(requested, d.totalPages)
	current := d.page
	d.mu.Unlock()
	if target == current {
		return nil
	}

	// The segment recorded so far belongs to the page being left.
	if err := d.uploader.CutPage(ctx, d.documentID, PageID(d.documentID, current)); err != nil {
		d.logger.Warn("page cut failed", zap.Int("page", current), zap.Error(err))
	}

	d.mu.Lock()
	d.page = target
	d.mu.Unlock()

	d.narrator.SetPage(PageID(d.documentID, target), d.content(target))
	if local && d.role == livesync.RoleAssistant && d.channel != nil {
		d.channel.NotifyLocalPage(target)
	}
	d.logger.Debug("page changed", zap.Int("from", current), zap.Int("to", target), zap.Bool("local", local))
	return nil
}

func (d *Driver) remotePage(page int) {
	if d.role != livesync.RoleStudent || !d.Following() {
		return
	}
	if err := d.navigate(context.Background(), page, false); err != nil {
		d.logger.Warn("remote page change failed", zap.Int("page", page), zap.Error(err))
	}
}

func (d *Driver) remoteToggle(enabled bool) {
	if d.role != livesync.RoleStudent {
		return
	}
	d.mu.Lock()
	d.follow = enabled
	d.mu.Unlock()
	d.announcer.Announce(announce.Info(followNotice(enabled)))
}

func (d *Driver) setFollow(enabled bool) {
	d.mu.Lock()
	d.follow = enabled
	d.mu.Unlock()
	if d.role == livesync.RoleAssistant && d.channel != nil {
		d.channel.SendToggleSync(enabled)
	}
	d.announcer.Announce(announce.Info(followNotice(enabled)))
}

func (d *Driver) setTotal(total int) {
	d.mu.Lock()
	d.totalPages = total
	d.mu.Unlock()
	if d.channel != nil {
		d.channel.SetTotalPages(total)
	}
}

func (d *Driver) status(ctx context.Context) error {
	seconds, err := d.uploader.LogicalSeconds(ctx, d.documentID)
	if err != nil {
		return err
	}
	d.mu.Lock()
	page, total, follow := d.page, d.totalPages, d.follow
	d.mu.Unlock()
	d.printf("page %d/%d follow=%t recorded=%ds\n", page, total, follow, seconds)
	return nil
}

func (d *Driver) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(d.out, format, args...)
}

func followNotice(enabled bool) string {
	if enabled {
		return "Following the assistant's page"
	}
	return "Stopped following the assistant's page"
}

func firstArgument(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func intArgument(args []string) (int, error) {
	value, err := strconv.Atoi(firstArgument(args))
	if err != nil {
		return 0, fmt.Errorf("%w: expected a page number", ErrInvalidArgument)
	}
	return value, nil
}

func onOffArgument(args []string) (bool, error) {
	switch strings.ToLower(firstArgument(args)) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	default:
		return false, fmt.Errorf("%w: expected on or off", ErrInvalidArgument)
	}
}
