// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的节点指标采集能力，覆盖
HTTP、注册表、工件交换、查询扇出、维护周期与检查结果等维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
Record 方法对 nil Collector 安全，便于在测试中省略指标注入。

# 主要能力

  - HTTP 指标：请求总数与耗时，状态码归类为 2xx/3xx/4xx/5xx。
  - 注册表指标：持久化写入次数（按 operation/status）与节点数 Gauge。
  - 交换指标：请求次数、工件数量与耗时，按 request/share/import 分组。
  - 查询指标：路由耗时与单节点结果（ok/timeout/error）。
  - 维护周期指标：周期总数（按 success/partial/failed）与耗时。
  - 检查结果指标：健康均值质量、健康/完整性状态、溯源有效率。
  - 缓存与数据库指标：远端列表缓存命中率、连接池状态。
*/
package metrics
