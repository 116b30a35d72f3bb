// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 knowmesh 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 registry、exchange、query、
propagation 等上层模块提供统一的错误契约，以避免循环依赖。

# 核心类型

  - Error / ErrorCode：结构化错误体系，含 Retryable 与 NodeID 标记
  - Sentinel：按错误码匹配的 errors.Is 目标

# 错误码

  - VALIDATION：节点或工件未通过边界校验
  - NODE_NOT_FOUND：目标节点未注册
  - TRANSPORT：工件来源不可达（按节点隔离，可重试）
  - NO_REACHABLE_NODES：查询没有任何可用节点
  - REGISTRY_CORRUPTION：注册表文档缺失或无法解析
  - INTEGRITY_VIOLATION：基础工件缺失或损坏
  - UNTRUSTED_NODE：节点信任分低于阈值
  - CYCLE_IN_PROGRESS：传播周期已在运行
*/
package types
