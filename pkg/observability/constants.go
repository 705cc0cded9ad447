package observability

const (
	AttrServiceName = "service.name"
	AttrTaskID      = "orc.task_id"
	AttrWorkerID    = "orc.worker_id"
	AttrStepID      = "orc.step_id"
	AttrAgentKind   = "orc.agent_kind" // ralph|single_shot|shell
	AttrGateResult  = "orc.gate_result"
	AttrServiceID   = "orc.service_id"
	AttrErrorType   = "error.type"

	AttrHTTPMethod       = "http.method"
	AttrHTTPPath         = "http.path"
	AttrHTTPStatusCode   = "http.status_code"
	AttrHTTPResponseSize = "http.response_size"

	SpanHTTPRequest   = "http.request"
	SpanStepExecution = "orc.step_execution"
	SpanAgentRun      = "orc.agent_run"
	SpanMergeAttempt  = "orc.merge_attempt"
	SpanServiceRun    = "orc.service_run"

	DefaultServiceName  = "workload-orchestrator"
	DefaultSamplingRate = 1.0
	DefaultMetricsPath  = "/metrics"
)
