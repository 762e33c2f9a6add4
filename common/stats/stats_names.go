package stats

/*
This file defines all the metrics being collected.   As new metrics are added please follow this pattern.
*/

const (
	/************************* Dispatcher metrics ***************************/
	/*
		the number of job submissions the dispatcher has received
	*/
	DispatchJobRequestsCounter = "dispatchJobRequests"

	/*
		the number of jobs the dispatcher accepted into its ledger
	*/
	DispatchJobsCounter = "dispatchJobs"

	/*
		amount of time it takes the dispatcher to accept (or reject) a job submission
	*/
	DispatchJobLatency_ms = "dispatchJobLatency_ms"

	/*
		amount of time it takes to run one iteration of the dispatcher loop
	*/
	DispatchStepLatency_ms = "dispatchStepLatency_ms"

	/*
		amount of time it takes to process async runner callbacks in one step
	*/
	DispatchProcessMessagesLatency_ms = "dispatchProcessMessagesLatency_ms"

	/*
		the number of jobs waiting for a server slot (status Pending)
	*/
	DispatchPendingJobsGauge = "dispatchPendingJobs"

	/*
		the number of jobs dispatched and not yet terminal (status Queued or Running)
	*/
	DispatchActiveJobsGauge = "dispatchActiveJobs"

	/*
		the number of pending jobs promoted to a server by the retry sweep
	*/
	DispatchRetriesCounter = "dispatchRetries"

	/*
		the number of user stop requests applied to the ledger
	*/
	DispatchStopRequestsCounter = "dispatchStopRequests"

	/*
		the number of remote job_update events applied to the ledger
	*/
	DispatchRemoteUpdatesCounter = "dispatchRemoteUpdates"

	/*
		the number of remote jobs adopted or refreshed via reconciliation
	*/
	DispatchRemoteUpsertsCounter = "dispatchRemoteUpserts"

	/*
		the number of jobs that reached a terminal status
	*/
	DispatchFinishedJobsCounter = "dispatchFinishedJobs"

	/*
		observed wall time from job start to terminal status
	*/
	DispatchJobRunDuration_ms = "dispatchJobRunDuration_ms"

	/************************** Fleet metrics *******************************/
	/*
		the number of fleet servers currently reporting Online
	*/
	FleetOnlineServersGauge = "fleetOnlineServers"

	/*
		the number of fleet servers currently marked Offline
	*/
	FleetOfflineServersGauge = "fleetOfflineServers"

	/*
		the number of fleet servers currently reporting Degraded
	*/
	FleetDegradedServersGauge = "fleetDegradedServers"

	/*
		the number of fleet servers never heard from (status Unknown)
	*/
	FleetUnknownServersGauge = "fleetUnknownServers"

	/*
		the sum of running job counts reported across the fleet
	*/
	FleetRunningJobsGauge = "fleetRunningJobs"

	/*
		the sum of effective job capacity across the fleet (0 = unbounded servers excluded)
	*/
	FleetCapacityGauge = "fleetCapacity"

	/*********************** Connection metrics *****************************/
	/*
		the number of heartbeat pings sent across all connections
	*/
	ConnPingsCounter = "connPings"

	/*
		the number of sessions that reached the ready state
	*/
	ConnConnectsCounter = "connConnects"

	/*
		the number of sessions lost (read error, close or TLS failure)
	*/
	ConnDisconnectsCounter = "connDisconnects"

	/*
		the number of dial attempts made, including backoff retries
	*/
	ConnDialsCounter = "connDials"

	/*
		the number of wire lines received and decoded
	*/
	ConnLinesInCounter = "connLinesIn"

	/*
		the number of wire lines dropped because they failed to decode
	*/
	ConnLinesDroppedCounter = "connLinesDropped"

	/*
		the number of job_submit_or_update messages sent
	*/
	ConnJobSubmitsCounter = "connJobSubmits"

	/*
		the number of job_cancel messages sent
	*/
	ConnJobCancelsCounter = "connJobCancels"

	/*
		the number of jobs_list reconciliation requests sent
	*/
	ConnJobsListRequestsCounter = "connJobsListRequests"

	/************************* History metrics ******************************/
	/*
		the number of terminal jobs persisted to history
	*/
	HistorySavesCounter = "historySaves"

	/*
		the number of history writes that failed
	*/
	HistorySaveFailuresCounter = "historySaveFailures"

	/*
		amount of time it takes to persist one job to history
	*/
	HistorySaveLatency_ms = "historySaveLatency_ms"

	/*
		amount of time it takes to load the persisted job history
	*/
	HistoryLoadLatency_ms = "historyLoadLatency_ms"

	/********************* Engine simulator metrics *************************/
	/*
		the number of analysis jobs the simulator started
	*/
	SimJobsStartedCounter = "simJobsStarted"

	/*
		the number of analysis jobs the simulator ran to completion
	*/
	SimJobsFinishedCounter = "simJobsFinished"

	/*
		the number of analysis jobs cancelled before completion
	*/
	SimJobsCancelledCounter = "simJobsCancelled"

	/*
		the number of job_update messages the simulator emitted
	*/
	SimUpdatesSentCounter = "simUpdatesSent"

	/*
		the number of clients currently attached to the simulator
	*/
	SimClientsGauge = "simClients"

	/*
		record the start of the simulator server
	*/
	SimServerStartedGauge = "simServerStartedGauge"

	/*
		the simulator server uptime
	*/
	SimUptime_ms = "simUptime_ms"
)
