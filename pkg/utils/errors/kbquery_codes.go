package errors

import "net/http"

// 通用错误
var (
	OK               = Register(New(0, http.StatusOK, "Success", "成功"))
	ErrInternal      = Register(New(MakeCode(ServiceCommon, CategoryInternal, 1), http.StatusInternalServerError, "Internal server error", "服务器内部错误").WithGerman("Interner Serverfehler"))
	ErrInvalidParam  = Register(New(MakeCode(ServiceCommon, CategoryRequest, 1), http.StatusBadRequest, "Invalid parameter", "参数无效").WithGerman("Ungültiger Parameter"))
	ErrRouteNotFound = Register(New(MakeCode(ServiceCommon, CategoryResource, 1), http.StatusNotFound, "Route not found", "路由不存在"))
	ErrPanic         = Register(New(MakeCode(ServiceCommon, CategoryInternal, 2), http.StatusInternalServerError, "Unexpected server failure", "服务异常"))

	ErrRequestTooLarge = Register(New(MakeCode(ServiceCommon, CategoryRequest, 2), http.StatusRequestEntityTooLarge, "Request body too large", "请求体过大").WithGerman("Anfrage zu groß"))
	ErrTooManyRequests = Register(New(MakeCode(ServiceCommon, CategoryRateLimit, 1), http.StatusTooManyRequests, "Too many requests", "请求过于频繁").WithGerman("Zu viele Anfragen"))
	ErrRequestTimeout  = Register(New(MakeCode(ServiceCommon, CategoryTimeout, 1), http.StatusGatewayTimeout, "Request timeout", "请求超时").WithGerman("Zeitüberschreitung"))
)

// 知识库查询服务代码: 21
var (
	// 请求参数错误 (类别 01)
	ErrKBInvalidRequest    = Register(New(MakeCode(ServiceKBQuery, CategoryRequest, 1), http.StatusBadRequest, "Invalid query request", "查询请求无效").WithGerman("Ungültige Anfrage"))
	ErrKBEmptyConversation = Register(New(MakeCode(ServiceKBQuery, CategoryRequest, 2), http.StatusBadRequest, "Conversation contains no user message", "会话中没有用户消息").WithGerman("Die Unterhaltung enthält keine Benutzernachricht"))

	// 查询相关错误 (类别 07 / 11)
	ErrKBQueryFailed     = Register(New(MakeCode(ServiceKBQuery, CategoryInternal, 1), http.StatusInternalServerError, "Query processing failed", "查询处理失败").WithGerman("Die Anfrage konnte nicht verarbeitet werden"))
	ErrKBSynthesisFailed = Register(New(MakeCode(ServiceKBQuery, CategoryInternal, 2), http.StatusInternalServerError, "Answer generation failed", "答案生成失败").WithGerman("Die Antwort konnte nicht erzeugt werden"))
	ErrKBQueryTimeout    = Register(New(MakeCode(ServiceKBQuery, CategoryTimeout, 1), http.StatusGatewayTimeout, "Query timeout", "查询超时").WithGerman("Zeitüberschreitung bei der Anfrage"))

	// 存储相关错误 (类别 08 / 10)
	ErrKBStoreUnavailable = Register(New(MakeCode(ServiceKBQuery, CategoryNetwork, 1), http.StatusServiceUnavailable, "Knowledge store unavailable", "知识库存储不可用").WithGerman("Wissensspeicher nicht verfügbar"))
	ErrKBIndexFailed      = Register(New(MakeCode(ServiceKBQuery, CategoryDatabase, 1), http.StatusInternalServerError, "Chunk indexing failed", "分块索引失败"))

	// 后台任务 (类别 04)
	ErrKBGardenerBusy = Register(New(MakeCode(ServiceKBQuery, CategoryResource, 1), http.StatusConflict, "Gardener cycle already running", "巡检周期正在执行").WithGerman("Ein Pflegezyklus läuft bereits"))

	// 配置错误 (类别 12)
	ErrKBConfigInvalid = Register(New(MakeCode(ServiceKBQuery, CategoryConfig, 1), http.StatusInternalServerError, "Invalid pipeline configuration", "流水线配置无效"))
)
