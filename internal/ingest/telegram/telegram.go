// Package telegram adapts a Telegram bot into a relay ingest source: media
// and text messages received by the bot are submitted to the pipeline.
package telegram

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"mediarelay/internal/ingest"
	"mediarelay/internal/relay"
	"mediarelay/internal/runtime/supervisor"
	"mediarelay/internal/transform"
	logx "mediarelay/pkg/logx"
)

// maxDownloadBytes bounds how much we pull from Telegram per file. Bot API
// file downloads cap out at 20 MiB anyway.
const maxDownloadBytes = 20 << 20

type Config struct {
	Token       string
	PollTimeout time.Duration

	// DestinationID routes everything this source receives.
	DestinationID string
}

// Source long-polls Telegram and submits each message to the pipeline.
// Submissions run on their own goroutines so a slow relay never stalls the
// poll loop.
type Source struct {
	cfg Config
	log logx.Logger
	sub ingest.Submitter

	bot *tele.Bot

	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor
}

func New(cfg Config, sub ingest.Submitter, log logx.Logger) (*Source, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if strings.TrimSpace(cfg.DestinationID) == "" {
		return nil, errors.New("telegram destination id is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Source{cfg: cfg, log: log, sub: sub, bot: b}
	s.registerHandlers()
	return s, nil
}

func (s *Source) Name() string { return "telegram" }

func (s *Source) registerHandlers() {
	s.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Text == "" {
			return nil
		}
		s.relay(relay.Request{Caption: m.Text}, m)
		return nil
	})

	s.bot.Handle(tele.OnPhoto, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Photo == nil {
			return nil
		}
		s.relayMedia(m, transform.KindImage, m.Photo.MediaFile(), "photo.jpg")
		return nil
	})

	s.bot.Handle(tele.OnVideo, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Video == nil {
			return nil
		}
		s.relayMedia(m, transform.KindVideo, m.Video.MediaFile(), orName(m.Video.FileName, "video.mp4"))
		return nil
	})

	s.bot.Handle(tele.OnAudio, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Audio == nil {
			return nil
		}
		s.relayMedia(m, transform.KindAudio, m.Audio.MediaFile(), orName(m.Audio.FileName, "audio.mp3"))
		return nil
	})

	s.bot.Handle(tele.OnVoice, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Voice == nil {
			return nil
		}
		s.relayMedia(m, transform.KindAudio, m.Voice.MediaFile(), "voice.ogg")
		return nil
	})

	s.bot.Handle(tele.OnDocument, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Document == nil {
			return nil
		}
		name := orName(m.Document.FileName, "document.bin")
		kind := kindForDocument(name)
		s.relayMedia(m, kind, m.Document.MediaFile(), name)
		return nil
	})
}

// relayMedia downloads the file and submits it off the poll loop.
func (s *Source) relayMedia(m *tele.Message, kind transform.Kind, file *tele.File, fallbackName string) {
	sup := s.supervisor()
	if sup == nil {
		return
	}
	sup.Go0("relay.media", func(ctx context.Context) {
		payload, err := s.download(file)
		if err != nil {
			s.log.Warn("telegram file download failed",
				logx.Int("message", m.ID), logx.Err(err))
			return
		}
		s.relayOn(ctx, relay.Request{
			Kind:     kind,
			Payload:  payload,
			Filename: fallbackName,
			Caption:  m.Caption,
		}, m)
	})
}

func (s *Source) relay(req relay.Request, m *tele.Message) {
	sup := s.supervisor()
	if sup == nil {
		return
	}
	sup.Go0("relay.text", func(ctx context.Context) {
		s.relayOn(ctx, req, m)
	})
}

func (s *Source) relayOn(ctx context.Context, req relay.Request, m *tele.Message) {
	req.DestinationID = s.cfg.DestinationID

	res, err := s.sub.Submit(ctx, req)
	switch {
	case errors.Is(err, relay.ErrResourceExhausted), errors.Is(err, relay.ErrQueueFull):
		s.log.Warn("relay rejected, dropping message",
			logx.Int("message", m.ID), logx.Err(err))
	case err != nil:
		s.log.Warn("relay submit failed", logx.Int("message", m.ID), logx.Err(err))
	case res.Err != nil:
		s.log.Warn("relay concluded with error",
			logx.Int("message", m.ID), logx.String("job", res.JobID), logx.Err(res.Err))
	default:
		s.log.Debug("message relayed",
			logx.Int("message", m.ID),
			logx.Bool("from_cache", res.FromCache),
			logx.Bool("deduped", res.Deduped))
	}
}

func (s *Source) download(file *tele.File) ([]byte, error) {
	rc, err := s.bot.File(file)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, maxDownloadBytes))
}

func (s *Source) Start(ctx context.Context) error {
	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return nil
	}
	s.running = true
	s.sup = supervisor.New(ctx,
		supervisor.WithLogger(s.log.With(logx.String("comp", "ingest.telegram"))))
	sup := s.sup
	s.runMu.Unlock()

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		s.bot.Stop()
	})
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		s.log.Info("polling started")
		s.bot.Start() // blocks until Stop
		s.log.Info("polling stopped")
		return nil
	})
	return nil
}

func (s *Source) Stop(ctx context.Context) error {
	s.runMu.Lock()
	sup := s.sup
	s.sup = nil
	wasRunning := s.running
	s.running = false
	s.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	sup.Cancel()
	go s.bot.Stop()

	// Long-poll may still be waiting; keep shutdown snappy.
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		s.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

func (s *Source) supervisor() *supervisor.Supervisor {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.sup
}

func orName(name, fallback string) string {
	if strings.TrimSpace(name) != "" {
		return name
	}
	return fallback
}

// kindForDocument routes generic documents by extension so PDFs and media
// sent "as file" still hit the right transform.
func kindForDocument(name string) transform.Kind {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".pdf"):
		return transform.KindPDF
	case strings.HasSuffix(lower, ".jpg"), strings.HasSuffix(lower, ".jpeg"),
		strings.HasSuffix(lower, ".png"), strings.HasSuffix(lower, ".gif"):
		return transform.KindImage
	case strings.HasSuffix(lower, ".mp4"), strings.HasSuffix(lower, ".webm"),
		strings.HasSuffix(lower, ".mov"):
		return transform.KindVideo
	case strings.HasSuffix(lower, ".mp3"), strings.HasSuffix(lower, ".ogg"),
		strings.HasSuffix(lower, ".wav"), strings.HasSuffix(lower, ".flac"):
		return transform.KindAudio
	}
	return transform.KindDocument
}
