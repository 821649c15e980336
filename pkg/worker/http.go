package worker

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// taskRequest is the optional body of POST /task.
type taskRequest struct {
	BatchSize int  `json:"batch_size,omitempty"`
	DryRun    bool `json:"dry_run,omitempty"`
}

const maxTaskBatch = 100

// Handler serves GET /health and POST /task. A task runs one batch
// synchronously and answers with the batch summary.
func (w *Worker) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.POST("/task", w.handleTask)
	return e
}

func (w *Worker) handleTask(c echo.Context) error {
	req := taskRequest{}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid json"})
	}
	if req.BatchSize == 0 {
		req.BatchSize = w.opts.BatchSize
	}
	if req.BatchSize < 1 || req.BatchSize > maxTaskBatch {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "batch_size out of range"})
	}

	summary, err := w.run(c.Request().Context(), req.BatchSize, req.DryRun)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, summary)
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (w *Worker) Serve(ctx context.Context, addr string) error {
	e := w.Handler()
	e.Server.ReadHeaderTimeout = 10 * time.Second
	errCh := make(chan error, 1)
	go func() {
		w.logger.Info("worker HTTP listening", "addr", addr)
		errCh <- e.Start(addr)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	}
}
