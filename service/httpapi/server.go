package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"WarChat/logger"
	"WarChat/service/chat"
	"WarChat/tools/errs"

	"github.com/gin-gonic/gin"
)

// Server is the local HTTP bridge the UI layer drives the coordinator
// through. It is a thin adapter: all semantics live in the
// coordinator.
type Server struct {
	coord *chat.Coordinator
	eng   *gin.Engine
	srv   *http.Server
}

func NewServer(coord *chat.Coordinator) *Server {
	gin.SetMode(gin.ReleaseMode)
	eng := gin.New()
	eng.Use(gin.Recovery())

	s := &Server{coord: coord, eng: eng}

	api := eng.Group("/api/chat")
	api.GET("/state", s.handleState)
	api.GET("/contexts", s.handleContexts)
	api.GET("/history/:kind/:disc", s.handleHistory)
	api.POST("/contexts", s.handleResolve)
	api.POST("/focus", s.handleFocus)
	api.POST("/close", s.handleClose)
	api.POST("/send", s.handleSend)
	api.POST("/retry", s.handleRetry)
	api.POST("/rooms", s.handleCreateRoom)
	return s
}

func (s *Server) Run(port int) error {
	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.eng,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	logger.Infof("[httpapi] listening on %s", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown() {
	if s.srv != nil {
		_ = s.srv.Close()
	}
}

type contextReq struct {
	Kind          string `json:"kind" binding:"required"`
	Discriminator string `json:"discriminator" binding:"required"`
}

func (r contextReq) key() chat.ContextKey {
	return chat.ContextKey{Kind: chat.Kind(r.Kind), Discriminator: r.Discriminator}
}

type sendReq struct {
	contextReq
	Text   string `json:"text" binding:"required"`
	TempID string `json:"tempId"`
}

type roomReq struct {
	Name string `json:"name" binding:"required"`
}

func (s *Server) handleState(c *gin.Context) {
	sess, ok := s.coord.Session()
	resp := gin.H{"state": s.coord.State().String()}
	if ok {
		resp["session"] = sess
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleContexts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"contexts": s.coord.Contexts()})
}

func (s *Server) handleHistory(c *gin.Context) {
	key := chat.ContextKey{
		Kind:          chat.Kind(c.Param("kind")),
		Discriminator: c.Param("disc"),
	}
	if err := key.Validate(); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": s.coord.History(key)})
}

func (s *Server) handleResolve(c *gin.Context) {
	var req contextReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, err := s.coord.ResolveContext(chat.Kind(req.Kind), req.Discriminator)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"context": ctx})
}

func (s *Server) handleFocus(c *gin.Context) {
	var req contextReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.coord.Focus(req.key()); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": s.coord.History(req.key())})
}

func (s *Server) handleClose(c *gin.Context) {
	var req contextReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.coord.Close(req.key()); err != nil {
		abortWith(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSend(c *gin.Context) {
	var req sendReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.coord.SendText(c.Request.Context(), req.key(), req.Text); err != nil {
		abortWith(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) handleRetry(c *gin.Context) {
	var req sendReq
	if err := c.ShouldBindJSON(&req); err != nil || req.TempID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tempId required"})
		return
	}
	if err := s.coord.RetrySend(c.Request.Context(), req.key(), req.TempID); err != nil {
		abortWith(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) handleCreateRoom(c *gin.Context) {
	var req roomReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.coord.CreateRoom(c.Request.Context(), req.Name); err != nil {
		abortWith(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// abortWith maps coordinator error codes onto HTTP statuses.
func abortWith(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch errs.Code(err) {
	case errs.CodeInvalidContext:
		status = http.StatusBadRequest
	case errs.CodeNotConnected, errs.CodeAuthTimeout, errs.CodeAuthFailed:
		status = http.StatusServiceUnavailable
	case errs.CodeSendFailed:
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
