/*
包 cache 管理节点共享的 Redis 连接，供 Redis 注册表后端使用。

# 概述

Manager 封装 go-redis 客户端，负责连接生命周期：构造时在 DialTimeout 内探活，
后台定时探测可达性（仅在状态切换时记日志，Healthy 返回最近结果），
Close 时停止探测并释放连接。

# 核心类型

  - Manager：持有 Redis 客户端，提供 Client/Ping/Healthy/GetStats/Close。
  - Config：地址、密码、连接池大小、建连超时与探活间隔，
    可由 FromRedisConfig 从节点配置生成。
  - Stats：连接池命中、超时与连接数统计。
*/
package cache
