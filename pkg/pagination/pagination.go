package pagination

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/richxcame/fare-settlement/pkg/common"
)

const (
	DefaultLimit  = 20
	MaxLimit      = 100
	DefaultOffset = 0
)

// Params holds limit/offset paging parameters
type Params struct {
	Limit  int
	Offset int
}

// ParseParams reads limit and offset from the query string, falling back to
// the defaults for missing or invalid values and capping limit at MaxLimit
func ParseParams(c *gin.Context) Params {
	params := Params{Limit: DefaultLimit, Offset: DefaultOffset}

	if limit, err := strconv.Atoi(c.Query("limit")); err == nil && limit > 0 {
		params.Limit = limit
		if params.Limit > MaxLimit {
			params.Limit = MaxLimit
		}
	}

	if offset, err := strconv.Atoi(c.Query("offset")); err == nil && offset >= 0 {
		params.Offset = offset
	}

	return params
}

// BuildMeta builds the response metadata of one page
func BuildMeta(limit, offset int, total int64) *common.Meta {
	totalPages := 0
	if limit > 0 && total > 0 {
		totalPages = int((total + int64(limit) - 1) / int64(limit))
	}

	return &common.Meta{
		Limit:      limit,
		Offset:     offset,
		Total:      total,
		TotalPages: totalPages,
		HasMore:    int64(offset)+int64(limit) < total,
	}
}
