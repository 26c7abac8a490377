/*
Package api is the HTTP surface of almsync, built on gin.

# Routes

	POST /webhooks/tracker              tracker issue created/updated events
	POST /requirements                  record a requirement and its test cases
	POST /requirements/:id/materialize  evaluate test cases and raise issues
	GET  /health                        component health (503 when unhealthy)
	GET  /ready                         readiness of critical components
	GET  /live                          liveness
	GET  /metrics                       Prometheus metrics

# Webhooks

Webhook bodies are handed to the dispatcher, which applies them through
the upsert resolver under the per-entity lock. The response status tells
the tracker whether to redeliver:

	200  applied or ignored
	400  malformed event; redelivery would fail the same way
	503  transient or warehouse failure; the tracker should retry

# Intake

POST /requirements accepts

	{"requirement": "...", "regulatory_requirements": ["HIPAA", "FDA 510K"]}

and answers 201 with the stored requirement and generated test cases.

The materialize route evaluates against the tags in its body, or against
the requirement's own tags when the body is empty.

Routes whose component is not configured are not registered.
*/
package api
