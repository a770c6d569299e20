package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"kiosk-hub/internal/admission"
	"kiosk-hub/internal/apperr"
	"kiosk-hub/internal/fleet"
	"kiosk-hub/internal/middleware"
	"kiosk-hub/internal/redemption"
)

// MachineHandler serves the kiosk API. Every route runs behind RequireMachine.
type MachineHandler struct {
	Pipeline *admission.Pipeline
	Fleet    *fleet.Service
	Queue    *redemption.Queue
}

type verifyBody struct {
	RFIDTag   string `json:"rfidTag"`
	MachineID string `json:"machineId"`
}

func (h *MachineHandler) VerifyTag(c *gin.Context) {
	machineID, ok := requireMachine(c)
	if !ok {
		return
	}
	var body verifyBody
	if !bindJSON(c, &body) || !sameMachine(c, machineID, body.MachineID) {
		return
	}

	owner, err := h.Pipeline.VerifyTag(c.Request.Context(), body.RFIDTag, machineID)
	if errors.Is(err, apperr.ErrUnknownTag) {
		c.JSON(http.StatusOK, gin.H{
			"valid":   false,
			"code":    apperr.ErrUnknownTag.Code,
			"message": apperr.ErrUnknownTag.Message,
		})
		return
	}
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":         true,
		"userId":        owner.UserID,
		"userName":      owner.Name,
		"currentPoints": owner.Balance,
	})
}

// Submit admits one deposit. Rejections the kiosk should show are 200 with success false;
// malformed events and unknown tags are errors.
func (h *MachineHandler) Submit(c *gin.Context) {
	machineID, ok := requireMachine(c)
	if !ok {
		return
	}
	var body admission.RawEvent
	if !bindJSON(c, &body) || !sameMachine(c, machineID, body.MachineID) {
		return
	}
	body.MachineID = machineID

	res, err := h.Pipeline.Submit(c.Request.Context(), body)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     res.Accepted,
		"reason":      res.Reason,
		"message":     res.Message,
		"points":      res.Points,
		"newBalance":  res.Balance,
		"transaction": gin.H{"id": res.TransactionID, "userId": res.UserID, "points": res.Points},
	})
}

func (h *MachineHandler) Heartbeat(c *gin.Context) {
	machineID, ok := requireMachine(c)
	if !ok {
		return
	}
	var body fleet.HeartbeatInput
	if !bindJSON(c, &body) || !sameMachine(c, machineID, body.MachineID) {
		return
	}
	body.MachineID = machineID

	view, err := h.Fleet.Heartbeat(c.Request.Context(), body)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "machine": view})
}

func (h *MachineHandler) PendingRedemptions(c *gin.Context) {
	machineID, ok := requireMachine(c)
	if !ok {
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}

	pending, err := h.Queue.Pending(c.Request.Context(), machineID, limit)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	resp := make([]map[string]any, 0, len(pending))
	for i := range pending {
		resp = append(resp, redemption.DispenseCommand(&pending[i]))
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "redemptions": resp})
}

type dispenseBody struct {
	RedemptionID string `json:"redemptionId"`
	MachineID    string `json:"machineId"`
	// Error, when set, reports a failed dispense instead of a completed one.
	Error string `json:"error"`
}

func (h *MachineHandler) Dispense(c *gin.Context) {
	machineID, ok := requireMachine(c)
	if !ok {
		return
	}
	var body dispenseBody
	if !bindJSON(c, &body) || !sameMachine(c, machineID, body.MachineID) {
		return
	}

	if body.Error != "" {
		r, err := h.Queue.Fail(c.Request.Context(), body.RedemptionID, machineID, body.Error)
		if err != nil {
			middleware.AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "redemption": r})
		return
	}

	done, err := h.Queue.Complete(c.Request.Context(), body.RedemptionID, machineID)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"redemption":       done.Redemption,
		"alreadyCompleted": done.AlreadyCompleted,
	})
}
