/*
包 server 提供节点 HTTP 服务的生命周期管理，支持非阻塞启动与优雅关闭。

# 核心类型

  - Manager：持有 http.Server、net.Listener 与异步错误通道，
    提供 Start/Shutdown/Wait 等生命周期方法。
  - Config：监听地址、读写超时、空闲超时、最大请求头大小与优雅关闭超时。

Wait 在 ctx 结束（通常由信号触发）或服务异常退出时执行优雅关闭，
正在处理的请求会在 ShutdownTimeout 内排空。
*/
package server
