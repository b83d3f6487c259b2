// Package api exposes the orchestrator over HTTP.
//
// Routes are grouped under /api/v1:
//
//	POST /hosts                                        register a host
//	POST /hosts/{host_id}/bootstrap                    start or resume bootstrap
//	POST /hosts/{host_id}/resources                    create (and optionally install)
//	POST /hosts/{host_id}/resources/{id}/install       enqueue an install
//	POST /hosts/{host_id}/resources/{id}/uninstall     enqueue an uninstall
//	POST /tasks/{task_id}/run|pause|resume             recurring task control
//	POST /sites/{site_id}/deployments                  enqueue a manual deployment
//	POST /hosts/{host_id}/metrics                      collector push, bearer token
//	GET  /hosts/{host_id}/events                       websocket progress stream
//
// Source control pushes arrive on POST /webhooks/sites/{site_id}. Engine
// faults are rendered as JSON with a status derived from their class.
package api
