package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/meterflowlabs/meterflow/pkg/db/pagination"
)

func respondData(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"data": data})
}

func respondList(c *gin.Context, data any, pageInfo pagination.PageInfo) {
	c.JSON(http.StatusOK, gin.H{"data": data, "page_info": pageInfo})
}
