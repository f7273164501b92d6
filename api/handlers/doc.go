// Copyright (c) NeuroMesh Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 NeuroMesh HTTP API 的请求处理器实现。

# 概述

handlers 包实现了 NeuroMesh 所有 HTTP 端点的请求处理逻辑，
包括聊天与执行路由、算力网格管理、联邦聚合、内核健康检查
以及统一的响应/错误处理。
所有 Handler 均遵循标准 net/http 接口。

# 核心类型

  - RouterHandler    — /chat、/execute、/ai、/research、/training 路由处理器
  - MeshHandler      — 节点注册、心跳、指标上报、推理转发与广播
  - FedHandler       — 联邦更新接收、签名与全局模型查询
  - KernelsHandler   — 内核舰队健康快照与动态注册
  - DoctrineHandler  — 内容策略规则的查询与热更新
  - HealthHandler    — 服务健康检查（/health, /healthz）
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo        — 结构化错误信息，含 code、message、retryable 标记
  - ResponseWriter   — 包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError 辅助函数
  - 请求验证：DecodeJSONBody（1 MB 限制 + 严格模式）
  - ErrorCode → HTTP 状态码自动映射（4xx/5xx）
  - 执行路由：算力网格优先，内核舰队兜底
  - 联邦安全：HMAC 签名校验，未配置密钥时拒绝所有更新
*/
package handlers
