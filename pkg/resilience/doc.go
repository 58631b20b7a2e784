// Package resilience provides circuit breaking, retry with backoff, graceful
// degradation tracking and alerting for calls to downstream dependencies.
//
// # Circuit Breaker
//
// A breaker counts failures inside a sliding time window and stops calling a
// dependency once the threshold is reached. After a cool-down it admits a
// bounded number of probes; enough consecutive probe successes close it again.
//
//	registry := resilience.NewBreakerRegistry(resilience.PolicyBreakerConfig(policies))
//
//	result, err := registry.Call(ctx, "llm-provider", func(ctx context.Context) (interface{}, error) {
//		return client.Complete(ctx, prompt)
//	})
//
// Callers that need to report the outcome later use a Guard:
//
//	guard, err := registry.Get("db").Allow()
//	if err != nil {
//		return err // CIRCUIT_BREAKER_OPEN
//	}
//	defer guard.Done(callErr)
//
// # Retry with Backoff
//
// The retrier classifies every failure and only retries transient ones. The
// wait grows per error kind and is capped by MaxWait.
//
//	retrier := resilience.NewRetrier(resilience.DefaultRetryPolicy())
//	result, report, err := retrier.Do(ctx, op)
//
// # Graceful Degradation
//
//	dm := resilience.NewDegradationManager()
//	dm.RegisterService(resilience.ComponentStore, resilience.LevelSevere)
//	dm.ReportFailure(resilience.ComponentStore, err)
//	level := dm.GetCurrentDegradationLevel()
//
// # Alerting
//
// AlertManager fans alerts out to handlers with a per-source rate limit.
// BreakerAlertHook and ErrorAlertGenerator feed it from breaker transitions
// and critical errors.
package resilience
