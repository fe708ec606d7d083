package protocol

// Request op names handled by a trader. The manager API delegates to these
// 1:1; unknown ops produce an error response, never a dropped connection.

// Gateway / system ops.
const (
	OpConnectGateway    = "connect_gateway"
	OpDisconnectGateway = "disconnect_gateway"
	OpPauseTrading      = "pause_trading"
	OpResumeTrading     = "resume_trading"
	OpSubscribe         = "subscribe"
	OpUnsubscribe       = "unsubscribe"
	OpUpdateAlertWechat = "update_alert_wechat"
	OpGetAlertWechat    = "get_alert_wechat"
)

// Query ops.
const (
	OpGetAccount         = "get_account"
	OpGetOrder           = "get_order"
	OpGetOrders          = "get_orders"
	OpGetActiveOrders    = "get_active_orders"
	OpGetTrade           = "get_trade"
	OpGetTrades          = "get_trades"
	OpGetPositions       = "get_positions"
	OpGetQuotes          = "get_quotes"
	OpGetOrderCmdsStatus = "get_order_cmds_status"
	OpGetJobs            = "get_jobs"
)

// Trading ops.
const (
	OpOrderReq  = "order_req"
	OpCancelReq = "cancel_req"
)

// Job ops.
const (
	OpTriggerJob = "trigger_job"
	OpToggleJob  = "toggle_job"
	OpPauseJob   = "pause_job"
	OpResumeJob  = "resume_job"
)

// Strategy ops.
const (
	OpListStrategies           = "list_strategies"
	OpGetStrategy              = "get_strategy"
	OpUpdateStrategyParams     = "update_strategy_params"
	OpUpdateStrategySignal     = "update_strategy_signal"
	OpSetStrategyTradingStatus = "set_strategy_trading_status"
	OpEnableStrategy           = "enable_strategy"
	OpDisableStrategy          = "disable_strategy"
	OpReloadStrategyParams     = "reload_strategy_params"
	OpInitStrategy             = "init_strategy"
	OpReplayAllStrategies      = "replay_all_strategies"
	OpGetStrategyOrderCmds     = "get_strategy_order_cmds"
	OpSendStrategyOrderCmd     = "send_strategy_order_cmd"
)

// Rotation ops.
const (
	OpGetRotationInstructions    = "get_rotation_instructions"
	OpGetRotationInstruction     = "get_rotation_instruction"
	OpUpdateRotationInstruction  = "update_rotation_instruction"
	OpImportRotationInstructions = "import_rotation_instructions"
	OpExecuteRotation            = "execute_rotation"
	OpBatchDeleteInstructions    = "batch_delete_instructions"
)

// System parameter ops.
const (
	OpListSystemParams       = "list_system_params"
	OpGetSystemParam         = "get_system_param"
	OpUpdateSystemParam      = "update_system_param"
	OpGetSystemParamsByGroup = "get_system_params_by_group"
)
