/*
Package handlers 提供 knowmesh 节点对外 HTTP 接口的请求处理器实现。

# 核心类型

  - ArtifactsHandler：GET /v1/artifacts，发布导出暂存区中的公开工件
  - RegistryHandler：GET /v1/registry，发布注册表文档供对端同步
  - HealthHandler：/health 存活检查、/ready 依赖就绪检查、/version
  - ErrorResponse：统一 JSON 错误结构（success + error + timestamp）
  - FuncCheck：函数式健康检查（注册表、数据库、Redis）

types.Error 的错误码经 StatusFor 映射为 HTTP 状态码。
*/
package handlers
