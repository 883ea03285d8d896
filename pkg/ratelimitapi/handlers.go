package ratelimitapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/largetownsky/ratesched/pkg/ratelimit"
)

// reservationRequest is a POST /v1/reservations body: the usage vector to
// admit plus a webhook descriptor the coordinator calls back into once the
// reservation is dispatched (spec's "submit jobs as HTTP callbacks").
type reservationRequest struct {
	Usage      []int64 `json:"usage" binding:"required"`
	WebhookURL string  `json:"webhook_url" binding:"required"`
}

type reservationResponse struct {
	ReservationNumber int64  `json:"reservation_number"`
	CorrelationID     string `json:"correlation_id"`
}

func (s *Server) handleReserve(c *gin.Context) {
	var req reservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.metrics.AdmissionErrors.WithLabelValues("bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	correlationID, _ := c.Get(correlationIDKey)
	corrID, _ := correlationID.(string)

	job := newWebhookJob(s.webhookClient, req.WebhookURL, corrID, req.Usage)
	ticket, err := s.coord.Reserve(req.Usage, job)
	if err != nil {
		s.metrics.AdmissionErrors.WithLabelValues(admissionErrorReason(err)).Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.metrics.ReservationsTotal.WithLabelValues("accepted").Inc()
	c.JSON(http.StatusAccepted, reservationResponse{
		ReservationNumber: ticket.ReservationNumber,
		CorrelationID:     corrID,
	})
}

func (s *Server) handleCancel(c *gin.Context) {
	n, err := strconv.ParseInt(c.Param("n"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reservation number must be an integer"})
		return
	}

	usage, _, err := s.coord.Cancel(n)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if usage == nil {
		s.metrics.CancellationsTotal.WithLabelValues("not_found").Inc()
		c.JSON(http.StatusNotFound, gin.H{"error": "reservation not found or already dispatched"})
		return
	}

	s.metrics.CancellationsTotal.WithLabelValues("cancelled").Inc()
	c.JSON(http.StatusOK, gin.H{"reservation_number": n, "usage": usage})
}

type statsResponse struct {
	Limits             ratelimit.Matrix `json:"limits"`
	Past               [][]int64        `json:"past"`
	Current            []int64          `json:"current"`
	Next               []int64          `json:"next"`
	PastUsePercents    [][]float64      `json:"past_use_percents"`
	CurrentUsePercents [][]float64      `json:"current_use_percents"`
	NextUsePercents    [][]float64      `json:"next_use_percents"`
}

func (s *Server) handleStats(c *gin.Context) {
	var at []float64
	if raw := c.Query("at"); raw != "" {
		t, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "at must be a number"})
			return
		}
		at = []float64{t}
	}

	stats, err := s.coord.Stats(at...)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, toStatsResponse(stats))
}

func toStatsResponse(stats *ratelimit.Stats) statsResponse {
	return statsResponse{
		Limits:             stats.Limits,
		Past:               stats.Past,
		Current:            stats.Current,
		Next:               stats.Next,
		PastUsePercents:    stats.PastUsePercents(),
		CurrentUsePercents: stats.CurrentUsePercents(),
		NextUsePercents:    stats.NextUsePercents(),
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"runnings": s.coord.Runnings(),
		"waitings": s.coord.Waitings(),
	})
}

func admissionErrorReason(err error) string {
	if e, ok := err.(*ratelimit.Error); ok {
		return e.Kind.String()
	}
	return "unknown"
}
