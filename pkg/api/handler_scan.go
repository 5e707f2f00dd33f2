package api

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mandadapu/neuralwarden/pkg/events"
	"github.com/mandadapu/neuralwarden/pkg/models"
)

// triggerScan handles POST /api/v1/accounts/:id/scans. The scan is queued;
// a pool worker on any replica picks it up.
func (s *Server) triggerScan(c *gin.Context) {
	accountID := c.Param("id")
	account, err := s.store.GetAccount(c.Request.Context(), accountID)
	if err != nil {
		s.abortWithStoreError(c, err)
		return
	}
	if account.Status == models.AccountDisabled {
		c.JSON(http.StatusConflict, gin.H{"error": "account is disabled"})
		return
	}

	job, err := s.store.EnqueueScan(c.Request.Context(), accountID)
	if err != nil {
		s.abortWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// getScan handles GET /api/v1/scans/:id.
func (s *Server) getScan(c *gin.Context) {
	job, err := s.store.GetScanJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.abortWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// cancelScan handles DELETE /api/v1/scans/:id. Cancellation only reaches
// scans running on this replica; cross-replica cancel is a queue-status
// race the worker resolves on its next heartbeat.
func (s *Server) cancelScan(c *gin.Context) {
	scanID := c.Param("id")
	job, err := s.store.GetScanJob(c.Request.Context(), scanID)
	if err != nil {
		s.abortWithStoreError(c, err)
		return
	}
	if job.Status != models.JobPending && job.Status != models.JobInProgress {
		c.JSON(http.StatusConflict, gin.H{"error": "scan is not in a cancellable state"})
		return
	}

	if job.Status == models.JobPending {
		if err := s.store.CompleteScan(c.Request.Context(), scanID, models.JobCancelled, "", "cancelled before start"); err != nil {
			s.abortWithStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
		return
	}

	if s.cancel != nil && s.cancel.CancelScan(scanID) {
		c.JSON(http.StatusOK, gin.H{"status": "cancelling"})
		return
	}
	c.JSON(http.StatusConflict, gin.H{"error": "scan is running on another replica"})
}

// streamScanEvents handles GET /api/v1/scans/:id/events as an SSE stream.
// Persisted events after Last-Event-ID (header or last_event_id query) are
// replayed first, then live NOTIFY events are forwarded until the client
// disconnects or the scan reaches a terminal event.
func (s *Server) streamScanEvents(c *gin.Context) {
	scanID := c.Param("id")
	if _, err := s.store.GetScanJob(c.Request.Context(), scanID); err != nil {
		s.abortWithStoreError(c, err)
		return
	}
	if s.streamer == nil || s.streamer.Catchup == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "event streaming is not enabled"})
		return
	}

	lastID := int64(0)
	if v := c.GetHeader("Last-Event-ID"); v != "" {
		lastID, _ = strconv.ParseInt(v, 10, 64)
	} else if v := c.Query("last_event_id"); v != "" {
		lastID, _ = strconv.ParseInt(v, 10, 64)
	}

	// Subscribe before catchup so no event falls between the two.
	channel := events.ScanChannel(scanID)
	live, unsubscribe := s.streamer.Broadcaster.Subscribe(channel)
	if s.streamer.Listener != nil {
		if err := s.streamer.Listener.Subscribe(c.Request.Context(), channel); err != nil {
			s.logger.Warn("LISTEN subscribe failed, serving catchup only",
				"scan_id", scanID, "error", err)
		}
	}
	defer func() {
		unsubscribe()
		// Last local subscriber gone: stop LISTENing on this channel.
		if s.streamer.Listener != nil && !s.streamer.Broadcaster.HasSubscribers(channel) {
			_ = s.streamer.Listener.Unsubscribe(context.Background(), channel)
		}
	}()

	stored, err := s.streamer.Catchup.EventsSince(c.Request.Context(), scanID, lastID)
	if err != nil {
		s.abortWithStoreError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	terminal := false
	for _, e := range stored {
		c.Render(-1, sseEvent(strconv.FormatInt(e.ID, 10), wireEventName(e.Kind, e.Payload), e.Payload))
		if isTerminalKind(e.Kind) {
			terminal = true
		}
	}
	c.Writer.Flush()
	if terminal {
		return
	}

	c.Stream(func(w io.Writer) bool {
		select {
		case payload, ok := <-live:
			if !ok {
				return false
			}
			envelope, ok := decodeEnvelope(payload)
			if !ok {
				return true
			}
			kind := events.Kind(envelope.Kind)
			c.Render(-1, sseEvent(strconv.FormatInt(envelope.DBEventID, 10), wireEventName(kind, envelope.Data), envelope.Data))
			return !isTerminalKind(kind)
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func isTerminalKind(kind events.Kind) bool {
	return kind == events.KindFinal || kind == events.KindError
}
