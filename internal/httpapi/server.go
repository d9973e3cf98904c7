package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"btdeck/internal/daterange"
	"btdeck/internal/history"
	"btdeck/internal/service"
	"btdeck/internal/store"
	"btdeck/internal/strategy"
	"btdeck/internal/workflow"
)

// Server 提供 Gin 接口，是操作者（或前端）触发回测工作流与历史数据管理的入口。
type Server struct {
	addr      string
	runner    *Runner
	catalog   *history.Catalog
	coord     *history.Coordinator
	client    *service.Client
	registry  *strategy.Registry
	runs      *store.RunStore
	reportDir string
	router    *gin.Engine
}

type ServerConfig struct {
	Addr      string
	Runner    *Runner
	Catalog   *history.Catalog
	Coord     *history.Coordinator
	Client    *service.Client
	Registry  *strategy.Registry
	Runs      *store.RunStore
	ReportDir string
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Runner == nil {
		return nil, errors.New("runner 不能为空")
	}
	if cfg.Coord == nil || cfg.Catalog == nil {
		return nil, errors.New("history coordinator/catalog 不能为空")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	// symbol 里的 "/" 以 %2F 出现在路径段里，按原始字节匹配再解码。
	router.UseRawPath = true
	router.UnescapePathValues = true

	s := &Server{
		addr:      cfg.Addr,
		runner:    cfg.Runner,
		catalog:   cfg.Catalog,
		coord:     cfg.Coord,
		client:    cfg.Client,
		registry:  cfg.Registry,
		runs:      cfg.Runs,
		reportDir: cfg.ReportDir,
		router:    router,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	if s.reportDir != "" {
		s.router.Static("/reports", s.reportDir)
	}
	api := s.router.Group("/api")
	api.GET("/strategies", s.handleStrategies)
	api.GET("/history", s.handleHistoryList)
	api.POST("/history/refresh", s.handleHistoryRefresh)
	api.POST("/history/download", s.handleHistoryDownload)
	api.DELETE("/history/:symbol/:timeframe", s.handleHistoryDelete)
	api.POST("/backtest", s.handleBacktestStart)
	api.GET("/backtest/:id", s.handleBacktestStatus)
	api.POST("/backtest/:id/decision", s.handleBacktestDecision)
	api.GET("/summary/:strategy", s.handleSummary)
	api.GET("/runs", s.handleRunList)
	api.GET("/runs/last-strategy", s.handleLastStrategy)
}

func (s *Server) handleStrategies(c *gin.Context) {
	if s.registry == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "策略注册表未启用"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategies": s.registry.List()})
}

type catalogEntryView struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	MinDate   string `json:"min_date"`
	MaxDate   string `json:"max_date"`
	Filename  string `json:"filename,omitempty"`
}

func (s *Server) handleHistoryList(c *gin.Context) {
	entries := s.catalog.Snapshot()
	out := make([]catalogEntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, catalogEntryView{
			Symbol:    e.Key.Symbol,
			Timeframe: e.Key.Timeframe,
			MinDate:   e.Range().StartDay(),
			MaxDate:   e.Range().EndDay(),
			Filename:  e.Filename,
		})
	}
	resp := gin.H{"entries": out}
	if at := s.catalog.RefreshedAt(); !at.IsZero() {
		resp["refreshed_at"] = at
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHistoryRefresh(c *gin.Context) {
	if err := s.coord.Refresh(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	s.handleHistoryList(c)
}

// handleHistoryDownload 直接下载一段历史数据，绕过回测工作流。
// 服务端要求扩展确认时返回 409 与建议范围，调用方带 force_extend 重发。
func (s *Server) handleHistoryDownload(c *gin.Context) {
	var req struct {
		Symbol      string `json:"symbol" binding:"required"`
		Timeframe   string `json:"timeframe" binding:"required"`
		StartDate   string `json:"start_date" binding:"required"`
		EndDate     string `json:"end_date" binding:"required"`
		ForceExtend bool   `json:"force_extend"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rng, err := daterange.Parse(req.StartDate, req.EndDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	key := history.SeriesKey{Symbol: req.Symbol, Timeframe: req.Timeframe}
	entry, err := s.coord.Download(c.Request.Context(), key, rng, req.ForceExtend)
	if err != nil {
		var extErr *history.ExtensionRequiredError
		if errors.As(err, &extErr) {
			resp := gin.H{
				"error":          extErr.Message,
				"force_extend":   true,
				"suggested_start": extErr.Suggestion.Suggested.StartDay(),
				"suggested_end":   extErr.Suggestion.Suggested.EndDay(),
			}
			if cur := extErr.Suggestion.Current(); !cur.IsZero() {
				resp["current_start"] = cur.StartDay()
				resp["current_end"] = cur.EndDay()
			}
			c.JSON(http.StatusConflict, resp)
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": catalogEntryView{
		Symbol:    entry.Key.Symbol,
		Timeframe: entry.Key.Timeframe,
		MinDate:   entry.Range().StartDay(),
		MaxDate:   entry.Range().EndDay(),
		Filename:  entry.Filename,
	}})
}

func (s *Server) handleHistoryDelete(c *gin.Context) {
	key := history.SeriesKey{
		Symbol:    c.Param("symbol"),
		Timeframe: c.Param("timeframe"),
	}
	if strings.TrimSpace(key.Symbol) == "" || strings.TrimSpace(key.Timeframe) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol/timeframe 必填"})
		return
	}
	if err := s.coord.Delete(c.Request.Context(), key); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": key.String()})
}

func (s *Server) handleBacktestStart(c *gin.Context) {
	var req struct {
		Strategy  string `json:"strategy" binding:"required"`
		Symbol    string `json:"symbol" binding:"required"`
		Timeframe string `json:"timeframe" binding:"required"`
		StartDate string `json:"start_date" binding:"required"`
		EndDate   string `json:"end_date" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	attempt, err := s.runner.Start(workflow.RunParams{
		Strategy:  req.Strategy,
		Symbol:    req.Symbol,
		Timeframe: req.Timeframe,
		StartDate: req.StartDate,
		EndDate:   req.EndDate,
	})
	if err != nil {
		if errors.Is(err, ErrBusy) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"attempt_id": attempt.ID})
}

func (s *Server) handleBacktestStatus(c *gin.Context) {
	view, ok := s.runner.Attempt(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "attempt not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempt": view})
}

func (s *Server) handleBacktestDecision(c *gin.Context) {
	var req struct {
		Accept *bool `json:"accept" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.runner.Resolve(c.Param("id"), *req.Accept); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": *req.Accept})
}

// handleSummary 代理服务端的历史汇总查询。策略名由调用方显式给出，
// 想查"最近一次用过的策略"先走 /api/runs/last-strategy。
func (s *Server) handleSummary(c *gin.Context) {
	if s.client == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "数据服务客户端未启用"})
		return
	}
	name := strings.TrimSpace(c.Param("strategy"))
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "strategy 必填"})
		return
	}
	raw, err := s.client.FetchSummary(c.Request.Context(), name, c.Query("start_date"), c.Query("end_date"))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if len(raw) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("策略 %s 暂无汇总数据", name)})
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", raw)
}

func (s *Server) handleRunList(c *gin.Context) {
	if s.runs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "运行记录存储未启用"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	records, err := s.runs.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": records})
}

func (s *Server) handleLastStrategy(c *gin.Context) {
	if s.runs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "运行记录存储未启用"})
		return
	}
	name, err := s.runs.LastStrategy(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategy": name})
}

// Router 暴露路由，测试用。
func (s *Server) Router() http.Handler {
	return s.router
}

// Start 启动 HTTP 服务，阻塞直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
