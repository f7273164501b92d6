// 版权所有 2026 NeuroMesh Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的全链路指标采集能力，覆盖
HTTP、准入、算力网格、内核与联邦聚合五大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。

# 主要能力

  - HTTP 指标：请求总量（按方法、路径、状态码分类）与耗时分布。
  - 准入指标：各阶段拒绝计数与按资源类别的在途请求数。
  - 网格指标：节点派发总量、派发耗时与在线节点数。
  - 内核指标：命令路由总量与耗时（按内核、命令类型分组）。
  - 联邦指标：更新接收计数与全局模型版本号。
  - 缓存指标：命中与未命中计数。

本包为内部包,不应被外部项目导入。
*/
package metrics
