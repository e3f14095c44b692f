// Package webcaption serves the live caption over HTTP so browser sources
// (OBS overlays, second screens) can show it.
package webcaption

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"subtitle/caption"
	"subtitle/locale"
	"subtitle/log"
)

const keepAlive = 15 * time.Second

// Controller is the part of the pipeline the HTTP API may drive.
type Controller interface {
	Running() bool
	Toggle(ctx context.Context) error
	Languages() (source, target string)
	SetLanguages(ctx context.Context, source, target string) error
}

type Server struct {
	app    *fiber.App
	engine *caption.Engine
	ctl    Controller
}

var validate = func() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("language", func(fl validator.FieldLevel) bool {
		return locale.IsSupported(fl.Field().String())
	})
	return v
}()

func New(engine *caption.Engine, ctl Controller) *Server {
	s := &Server{
		app: fiber.New(fiber.Config{
			DisableStartupMessage: true,
			AppName:               "subtitle",
		}),
		engine: engine,
		ctl:    ctl,
	}
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept",
	}))
	s.app.Use(requestLogger())

	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	v1 := s.app.Group("/api/v1")
	v1.Get("/caption", s.getCaption)
	v1.Get("/transcript", s.getTranscript)
	v1.Get("/events", s.events)
	v1.Get("/languages", s.getLanguages)
	if ctl != nil {
		v1.Post("/toggle", s.toggle)
		v1.Put("/languages", s.putLanguages)
	}
	return s
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen(addr string) error {
	log.Info("caption feed listening on http://" + addr)
	return s.app.Listen(addr)
}

func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(2 * time.Second)
}

func requestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		id := uuid.NewString()
		c.Locals("requestid", id)
		err := c.Next()
		status := c.Response().StatusCode()
		line := fmt.Sprintf("http %s %s %d %dms id=%s", c.Method(), c.OriginalURL(), status, time.Since(start).Milliseconds(), id)
		switch {
		case err != nil:
			log.Errorf("%s err=%v", line, err)
		case status >= 500:
			log.Error(line)
		case status >= 400:
			log.Warn(line)
		default:
			log.Info(line)
		}
		return err
	}
}

func respondWithError(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"status":  "error",
		"message": message,
	})
}

func respondWithJSON(c *fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(fiber.Map{
		"status": "success",
		"data":   data,
	})
}

type captionView struct {
	Original   string `json:"original"`
	Translated string `json:"translated"`
	Running    bool   `json:"running"`
	Seq        uint64 `json:"seq"`
}

func viewOf(s caption.Snapshot) captionView {
	return captionView{Original: s.Original, Translated: s.Translated, Running: s.Running, Seq: s.Seq}
}

type lineView struct {
	Kind string    `json:"kind"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

func kindName(k caption.LineKind) string {
	switch k {
	case caption.LineTranslation:
		return "translation"
	case caption.LineInfo:
		return "info"
	case caption.LineWarning:
		return "warning"
	case caption.LineError:
		return "error"
	}
	return "original"
}

func (s *Server) getCaption(c *fiber.Ctx) error {
	return respondWithJSON(c, fiber.StatusOK, viewOf(s.engine.Snapshot()))
}

// getTranscript returns log lines; ?since=N starts at transcript line N
// (the "next" of an earlier response) and ?kind=original|translation
// filters. Lines trimmed from the engine's log are gone.
func (s *Server) getTranscript(c *fiber.Ctx) error {
	since := 0
	if raw := c.Query("since"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return respondWithError(c, fiber.StatusBadRequest, "since must be a non-negative integer")
		}
		since = n
	}
	kind := c.Query("kind")

	snap := s.engine.Snapshot()
	lines := make([]lineView, 0, len(snap.Log))
	for i, l := range snap.Log {
		if snap.Base+i < since {
			continue
		}
		name := kindName(l.Kind)
		if kind != "" && name != kind {
			continue
		}
		lines = append(lines, lineView{Kind: name, Text: l.Text, At: l.At})
	}
	return respondWithJSON(c, fiber.StatusOK, fiber.Map{
		"lines": lines,
		"next":  snap.Next(),
	})
}

// events streams caption changes as server-sent events until the client
// goes away or the engine stops.
func (s *Server) events(c *fiber.Ctx) error {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	snaps, cancel := s.engine.Subscribe()
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cancel()
		ping := time.NewTicker(keepAlive)
		defer ping.Stop()
		var last captionView
		first := true
		for {
			select {
			case snap, ok := <-snaps:
				if !ok {
					return
				}
				v := viewOf(snap)
				// log-only changes are not caption events
				if !first && v.Original == last.Original && v.Translated == last.Translated && v.Running == last.Running {
					continue
				}
				first = false
				last = v
				data, err := json.Marshal(v)
				if err != nil {
					return
				}
				fmt.Fprintf(w, "id: %d\nevent: caption\ndata: %s\n\n", v.Seq, data)
			case <-ping.C:
				fmt.Fprint(w, ": ping\n\n")
			}
			// a failed flush means the client is gone
			if err := w.Flush(); err != nil {
				return
			}
		}
	}))
	return nil
}

func (s *Server) getLanguages(c *fiber.Ctx) error {
	langs := make([]fiber.Map, 0, len(locale.Supported))
	for _, l := range locale.Supported {
		langs = append(langs, fiber.Map{"tag": l.Tag, "label": l.Label})
	}
	data := fiber.Map{"supported": langs}
	if s.ctl != nil {
		src, tgt := s.ctl.Languages()
		data["source"], data["target"] = src, tgt
	}
	return respondWithJSON(c, fiber.StatusOK, data)
}

func (s *Server) toggle(c *fiber.Ctx) error {
	if err := s.ctl.Toggle(c.UserContext()); err != nil {
		return respondWithError(c, fiber.StatusServiceUnavailable, err.Error())
	}
	return respondWithJSON(c, fiber.StatusOK, fiber.Map{"running": s.ctl.Running()})
}

type languagesRequest struct {
	Source string `json:"source" validate:"required,language"`
	Target string `json:"target" validate:"required,language"`
}

func (s *Server) putLanguages(c *fiber.Ctx) error {
	var req languagesRequest
	if err := c.BodyParser(&req); err != nil {
		return respondWithError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return respondWithError(c, fiber.StatusBadRequest, formatValidationErrors(err))
	}
	if err := s.ctl.SetLanguages(c.UserContext(), req.Source, req.Target); err != nil {
		return respondWithError(c, fiber.StatusServiceUnavailable, err.Error())
	}
	return respondWithJSON(c, fiber.StatusOK, fiber.Map{"source": req.Source, "target": req.Target})
}

func formatValidationErrors(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	msg := ""
	for i, fe := range verrs {
		if i > 0 {
			msg += "; "
		}
		msg += fmt.Sprintf("field '%s' failed on the '%s' tag", fe.Field(), fe.Tag())
	}
	return msg
}
