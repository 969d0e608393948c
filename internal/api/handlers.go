package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"BurnerLaunch/internal/burner"
	xerrors "BurnerLaunch/internal/errors"
	"BurnerLaunch/internal/session"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type handlers struct {
	launcher Launcher
	records  burner.RecordReader
}

// launch 处理 POST /api/v1/launches。
func (h *handlers) launch(c *gin.Context) {
	if h.launcher == nil {
		abortWithError(c, xerrors.New(xerrors.CodeInitializationFailure, "发射服务未初始化"))
		return
	}
	var req burner.LaunchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, burner.LaunchResponse{Success: false, Error: "请求体解析失败"})
		return
	}

	result, err := h.launcher.Launch(c.Request.Context(), *requesterFrom(c), req)
	if result == nil {
		abortWithError(c, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status = statusOf(err)
	}
	c.Header("X-Workflow-Id", result.WorkflowID)
	c.JSON(status, result.Response)
}

// getBurner 处理 GET /api/v1/burners/:address，只返回属于当前请求方的记录。
func (h *handlers) getBurner(c *gin.Context) {
	if h.records == nil {
		abortWithError(c, xerrors.New(xerrors.CodeNotFound, "未启用记录查询"))
		return
	}
	raw := c.Param("address")
	if !common.IsHexAddress(raw) {
		abortWithError(c, xerrors.New(xerrors.CodeInvalidArgument, "地址格式不正确"))
		return
	}
	record, err := h.records.Get(c.Request.Context(), common.HexToAddress(raw).Hex())
	if err != nil {
		if errors.Is(err, burner.ErrRecordNotFound) {
			abortWithError(c, xerrors.New(xerrors.CodeNotFound, "burner 记录不存在"))
			return
		}
		abortWithError(c, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 burner 记录失败"))
		return
	}
	if !ownedBy(*record, requesterFrom(c)) {
		abortWithError(c, xerrors.New(xerrors.CodeNotFound, "burner 记录不存在"))
		return
	}
	c.JSON(http.StatusOK, record)
}

// listBurners 处理 GET /api/v1/burners?unswept=true。
func (h *handlers) listBurners(c *gin.Context) {
	if h.records == nil {
		abortWithError(c, xerrors.New(xerrors.CodeNotFound, "未启用记录查询"))
		return
	}
	if unswept, _ := strconv.ParseBool(c.Query("unswept")); !unswept {
		abortWithError(c, xerrors.New(xerrors.CodeInvalidArgument, "目前仅支持 unswept=true 查询"))
		return
	}
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = min(parsed, maxListLimit)
		}
	}

	requester := requesterFrom(c)
	if requester == nil {
		abortWithError(c, session.ErrMissingToken)
		return
	}
	records, err := h.records.ListUnswept(c.Request.Context(), requester.Address.Hex(), limit)
	if err != nil {
		abortWithError(c, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询未回收记录失败"))
		return
	}
	owned := make([]burner.BurnerRecord, 0, len(records))
	for _, record := range records {
		if ownedBy(record, requester) {
			owned = append(owned, record)
		}
	}
	c.JSON(http.StatusOK, gin.H{"burners": owned})
}

func ownedBy(record burner.BurnerRecord, requester *burner.Requester) bool {
	return requester != nil && common.IsHexAddress(record.Requester) &&
		common.HexToAddress(record.Requester) == requester.Address
}
