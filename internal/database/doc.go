/*
包 database 提供基于 GORM 的数据库打开与连接池管理，供 SQL 工件存储使用。

# 概述

Open 按 database.driver 选择方言（postgres、mysql、sqlite），
连接池参数由 PoolConfigFor 从 database 配置推导（sqlite 固定单连接），
打开 GORM 实例后交给 PoolManager 统一管理连接生命周期。
后台探活定时执行，结果可通过 LastCheck 查询，连续失败只在首次记 error 日志，
成功时把连接数上报到 metrics。

# 核心类型

  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 DB()、Ping()、
    Stats()、GetStats()、LastCheck()、Close()。关闭后 Ping 返回 ErrClosed。
  - PoolConfig：最大空闲连接数、最大打开连接数、生命周期与健康检查间隔。
  - PoolStats：友好格式的连接池统计信息。
*/
package database
