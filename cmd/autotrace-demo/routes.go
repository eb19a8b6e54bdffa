package main

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/kzs0/autotrace/interceptor"
	"github.com/kzs0/autotrace/log"
)

type item struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

var items = []item{
	{ID: 1, Name: "anvil"},
	{ID: 2, Name: "rope"},
}

func registerRoutes(app *interceptor.App, client *retryablehttp.Client, upstream string, logger *zap.Logger) {
	app.Use(gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, recovered any) {
		log.WithTrace(c.Request.Context(), logger).Error("handler panicked", zap.Any("panic", recovered))
		c.AbortWithStatus(http.StatusInternalServerError)
	}))

	app.GET("/items", func(c *gin.Context) {
		c.JSON(http.StatusOK, items)
	})

	app.GET("/fail", func(c *gin.Context) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "simulated failure"})
	})

	app.GET("/panic", func(c *gin.Context) {
		panic("simulated panic")
	})

	app.GET("/proxy", func(c *gin.Context) {
		if upstream == "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no upstream configured"})
			return
		}

		req, err := retryablehttp.NewRequestWithContext(c.Request.Context(), http.MethodGet, upstream, nil)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		resp, err := client.Do(req)
		if err != nil {
			log.WithTrace(c.Request.Context(), logger).Warn("upstream call failed", zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "upstream unavailable"})
			return
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), body)
	})
}
