package server

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/rag-relay/internal/store"
)

const defaultExchangeLimit = 100

// listExchanges GET /api/exchanges?limit=&outcome=&keyword=&streaming=&since=
func (s *Server) listExchanges(c *gin.Context) {
	if s.exchanges == nil {
		unavailable(c, "exchange log is not configured")
		return
	}
	items, err := s.exchanges.List(c.Request.Context(), exchangeFilter(c))
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, items)
}

// exchangeFilters GET /api/exchanges/filters
func (s *Server) exchangeFilters(c *gin.Context) {
	if s.exchanges == nil {
		unavailable(c, "exchange log is not configured")
		return
	}
	filters, err := s.exchanges.Filters(c.Request.Context())
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, filters)
}

func exchangeFilter(c *gin.Context) store.ExchangeFilter {
	f := store.ExchangeFilter{
		Outcome: c.Query("outcome"),
		Keyword: c.Query("keyword"),
		Limit:   queryLimit(c, defaultExchangeLimit),
	}
	if v, err := strconv.ParseBool(c.Query("streaming")); err == nil {
		f.Streaming = &v
	}
	if v, err := time.Parse(time.RFC3339, c.Query("since")); err == nil {
		f.Since = v
	}
	return f
}

func queryLimit(c *gin.Context, def int) int {
	v, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if v < 1 {
		return def
	}
	if v > store.MaxListLimit {
		return store.MaxListLimit
	}
	return v
}
