/*
Package health probes the services almsync depends on and reports their
state to the health registry in pkg/metrics.

Two checkers are provided. HTTPChecker requests a URL and accepts a status
range; serve uses it for the generation service. PingChecker wraps a
client's own ping call; serve uses it for the tracker and, with the redis
transport, for Redis.

A Monitor runs every checker on an interval. A dependency is reported down
only after Config.Retries consecutive failures and is reported up again on
the first success, so one slow probe does not flap /health.

	monitor := health.NewMonitor(health.DefaultConfig(), metrics.UpdateComponent, logger)
	monitor.Add("tracker", health.NewPingChecker(trackerClient.Ping))
	monitor.Add("generation", health.NewHTTPChecker(generationURL))
	monitor.Start(ctx)
	defer monitor.Stop()
*/
package health
