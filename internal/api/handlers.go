package api

import (
	"errors"
	"net/http"

	"sagecoffee/internal/command"
	"sagecoffee/internal/configflow"
	"sagecoffee/internal/coordinator"
	"sagecoffee/internal/entities"
	"sagecoffee/internal/entry"
	"sagecoffee/internal/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ApplianceResponse describes one appliance of a loaded entry
type ApplianceResponse struct {
	Serial    string `json:"serial"`
	Name      string `json:"name"`
	Model     string `json:"model"`
	EntryID   string `json:"entry_id"`
	HasState  bool   `json:"has_state"`
	Available bool   `json:"available"`
}

// StateResponse is the cached state of one appliance
type StateResponse struct {
	Serial string            `json:"serial"`
	On     bool              `json:"on"`
	Asleep bool              `json:"asleep"`
	State  coordinator.State `json:"state"`
}

func errorBody(err error) gin.H {
	return gin.H{"error": err.Error()}
}

func (s *Server) listEntries(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Manager.Entries())
}

// deleteEntry unloads and forgets an entry and deletes it from the store.
// Platforms drop what they published for it through the manager.
func (s *Server) deleteEntry(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	tracked := true
	if err := s.deps.Manager.Remove(ctx, id); err != nil {
		if errors.Is(err, entry.ErrNotFound) {
			tracked = false
		} else {
			s.logger.Warn("Errors while removing entry", zap.String("entry_id", id), zap.Error(err))
		}
	}

	if err := s.deps.Store.Delete(ctx, id); err != nil {
		if !errors.Is(err, entry.ErrNotFound) {
			c.JSON(http.StatusInternalServerError, errorBody(err))
			return
		}
		if !tracked {
			c.JSON(http.StatusNotFound, errorBody(err))
			return
		}
	}

	s.logger.Info("Config entry deleted", zap.String("entry_id", id))
	c.Status(http.StatusNoContent)
}

func (s *Server) reloadEntry(c *gin.Context) {
	id := c.Param("id")

	err := s.deps.Manager.Reload(c.Request.Context(), id)
	switch {
	case errors.Is(err, entry.ErrNotFound):
		c.JSON(http.StatusNotFound, errorBody(err))
		return
	case err != nil:
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": err.Error(),
			"state": s.deps.Manager.State(id),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"state": s.deps.Manager.State(id)})
}

func (s *Server) listAppliances(c *gin.Context) {
	out := []ApplianceResponse{}
	for _, rt := range s.deps.Manager.LoadedEntries() {
		for _, a := range rt.Coordinator.Appliances() {
			st, ok := rt.Coordinator.GetState(a.SerialNumber)
			out = append(out, ApplianceResponse{
				Serial:    a.SerialNumber,
				Name:      entities.DisplayName(a),
				Model:     a.Model,
				EntryID:   rt.Entry.ID,
				HasState:  ok,
				Available: ok && !st.IsAsleep(),
			})
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getApplianceState(c *gin.Context) {
	serial := c.Param("serial")

	for _, rt := range s.deps.Manager.LoadedEntries() {
		if st, ok := rt.Coordinator.GetState(serial); ok {
			c.JSON(http.StatusOK, StateResponse{
				Serial: serial,
				On:     st.IsOn(),
				Asleep: st.IsAsleep(),
				State:  st,
			})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "no state for appliance " + serial})
}

// serviceError maps service failures to HTTP statuses: invalid input and
// unknown targets are the caller's fault, command failures are upstream
func (s *Server) serviceError(c *gin.Context, err error) {
	var verr *command.ValidationError
	var cerr *command.Error
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Message, "field": verr.Field})
	case errors.As(err, &cerr):
		c.JSON(http.StatusBadGateway, errorBody(cerr))
	default:
		c.JSON(http.StatusInternalServerError, errorBody(err))
	}
}

func (s *Server) setWakeSchedule(c *gin.Context) {
	var req services.SetWakeScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err))
		return
	}
	if err := s.deps.Services.Set(c.Request.Context(), req); err != nil {
		s.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) disableWakeSchedule(c *gin.Context) {
	var req services.DisableWakeScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err))
		return
	}
	if err := s.deps.Services.Disable(c.Request.Context(), req); err != nil {
		s.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) flowMenu(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"menu":   configflow.Menu,
		"brands": configflow.Brands,
	})
}

// flowResult renders the resulting entry with status, a form error or an abort
func (s *Server) flowResult(c *gin.Context, status int, e entry.Entry, err error) {
	var ferr *configflow.FormError
	var aerr *configflow.AbortError
	switch {
	case err == nil:
		c.JSON(status, gin.H{
			"entry": e,
			"state": s.deps.Manager.State(e.ID),
		})
	case errors.As(err, &ferr):
		c.JSON(http.StatusBadRequest, gin.H{"errors": gin.H{ferr.Field: ferr.Code}})
	case errors.As(err, &aerr):
		c.JSON(http.StatusConflict, gin.H{"reason": aerr.Reason})
	default:
		c.JSON(http.StatusInternalServerError, errorBody(err))
	}
}

func (s *Server) flowPassword(c *gin.Context) {
	var in configflow.PasswordInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err))
		return
	}
	e, err := s.deps.Flow.Password(c.Request.Context(), in)
	s.flowResult(c, http.StatusCreated, e, err)
}

func (s *Server) flowToken(c *gin.Context) {
	var in configflow.TokenInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err))
		return
	}
	e, err := s.deps.Flow.Token(c.Request.Context(), in)
	s.flowResult(c, http.StatusCreated, e, err)
}

func (s *Server) reauthEntry(c *gin.Context) {
	var in configflow.ReauthInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err))
		return
	}
	e, err := s.deps.Flow.Reauth(c.Request.Context(), c.Param("id"), in)
	if errors.Is(err, entry.ErrNotFound) {
		c.JSON(http.StatusNotFound, errorBody(err))
		return
	}
	s.flowResult(c, http.StatusOK, e, err)
}
