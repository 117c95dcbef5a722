package main

import (
	"context"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mauv0809/snapval/internal/db"
	"github.com/mauv0809/snapval/internal/handlers"
	"github.com/mauv0809/snapval/internal/pipeline"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the admin HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDatabaseURL(); err != nil {
			return err
		}
		ctx := context.Background()

		// Run migrations
		if err := db.RunMigrations(cfg.DatabaseURL); err != nil {
			logg.WithError(err).Warn("Could not run migrations")
		} else {
			logg.Info("Migrations completed")
		}

		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		logg.Info("Connected to database")

		repo := db.NewRepository(pool)
		classifier, err := cfg.Classifier()
		if err != nil {
			return err
		}
		p := pipeline.New(repo, nil, nil, classifier, pipeline.Settings{
			Concurrency:           cfg.Concurrency,
			LookbackDays:          cfg.LookbackDays,
			FinanceSectorKeywords: cfg.FinanceSectorKeywords,
		}, logg)

		defaults := pipeline.NewParams(cfg.Valuation(), cfg.DefaultDiscountRate)

		// Setup Echo
		e := echo.New()
		e.HideBanner = true
		e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
			LogStatus:   true,
			LogURI:      true,
			LogError:    true,
			HandleError: true,
			LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
				entry := logg.WithFields(logrus.Fields{"status": v.Status, "uri": v.URI})
				if v.Error == nil {
					entry.Info("request")
				} else {
					entry.WithError(v.Error).Error("request")
				}
				return nil
			},
		}))
		e.Use(middleware.Recover())

		h := handlers.New()
		vh := handlers.NewValuationHandler(p, repo, defaults, logg)

		// Routes
		e.GET("/health", h.Health)
		admin := e.Group("/admin")
		admin.POST("/snapshots/:id/valuation", vh.RunValuation)
		admin.GET("/snapshots/:id/status", vh.Status)

		logg.WithField("port", cfg.Port).Info("Starting server")
		return e.Start(":" + cfg.Port)
	},
}
