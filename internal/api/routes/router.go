package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/forgeml/forge/internal/api/handlers"
)

// Handlers bundles every HTTP handler the server exposes. main wires the
// dependencies and hands the finished handlers here.
type Handlers struct {
	Job        *handlers.JobHandler
	Report     *handlers.ReportHandler
	Task       *handlers.TaskHandler
	Experiment *handlers.ExperimentHandler
	Provider   *handlers.ProviderHandler
	Quota      *handlers.QuotaHandler
	WS         *handlers.WSHandler
}

// RegisterRoutes attaches every route group to the engine.
func RegisterRoutes(r *gin.Engine, h Handlers) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1")
	{
		jobs := api.Group("/jobs")
		{
			jobs.POST("", h.Job.LaunchJob)
			jobs.GET("", h.Job.ListJobs)
			jobs.POST("/bulk-delete", h.Job.BulkDeleteJobs)
			jobs.GET("/:id", h.Job.GetJob)
			jobs.POST("/:id/stop", h.Job.StopJob)
			jobs.DELETE("/:id", h.Job.DeleteJob)
			jobs.GET("/:id/checkpoints", h.Job.GetCheckpoints)
			jobs.POST("/:id/evaluate", h.Job.EvaluateSweep)
			jobs.POST("/:id/live-status", h.Report.ReportLiveStatus)
			jobs.POST("/:id/progress", h.Report.ReportProgress)
			jobs.POST("/:id/metrics", h.Report.ReportMetrics)
		}

		tasks := api.Group("/tasks")
		{
			tasks.POST("", h.Task.CreateTask)
			tasks.GET("", h.Task.ListTasks)
			tasks.GET("/:id", h.Task.GetTask)
			tasks.PUT("/:id", h.Task.UpdateTask)
			tasks.DELETE("/:id", h.Task.DeleteTask)
		}

		experiments := api.Group("/experiments")
		{
			experiments.POST("", h.Experiment.CreateExperiment)
			experiments.GET("", h.Experiment.ListExperiments)
			experiments.GET("/:id", h.Experiment.GetExperiment)
			experiments.DELETE("/:id", h.Experiment.DeleteExperiment)
			experiments.GET("/:id/jobs", h.Experiment.ListExperimentJobs)
			experiments.GET("/:id/jobs-index", h.Experiment.GetJobsIndex)
		}

		providers := api.Group("/providers")
		{
			providers.POST("", h.Provider.CreateProvider)
			providers.GET("", h.Provider.ListProviders)
			providers.DELETE("/:name", h.Provider.DeleteProvider)
			providers.POST("/reload", h.Provider.ReloadProviders)
			providers.GET("/:name/cluster-status", h.Provider.GetClusterStatus)
			providers.GET("/:name/cluster-resources", h.Provider.GetClusterResources)
		}

		quota := api.Group("/quota")
		{
			quota.GET("/status", h.Quota.GetStatus)
			quota.GET("/usage", h.Quota.ListUsage)
			quota.PUT("/team", h.Quota.SetTeamQuota)
			quota.PUT("/override", h.Quota.SetUserOverride)
		}
	}

	r.GET("/ws/jobs/:id/logs", h.WS.TailJobLogs)
}
