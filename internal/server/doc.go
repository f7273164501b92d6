// 版权所有 2026 NeuroMesh Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供 HTTP 服务器生命周期管理，支持非阻塞启动、
优雅关闭与系统信号监听。

# 概述

本包通过 Manager 封装 net/http.Server，统一管理监听、服务、
关闭与错误传播流程。内置 SIGINT/SIGTERM 信号处理，适用于
生产环境的优雅停机需求。

# 核心类型

  - Manager：HTTP 服务器管理器，持有 http.Server、net.Listener
    与异步错误通道，提供 Start/Shutdown/WaitForShutdown 等
    生命周期方法。
  - Config：服务器配置，包含监听地址、读写超时、空闲超时、
    最大请求头与关闭超时等参数。

# 主要能力

  - 非阻塞启动：Start 同步完成监听后在后台 goroutine 中服务，
    绑定错误立即返回，运行期错误经 Errors 通道异步传播。
  - 优雅关闭：Shutdown 在配置的超时内排空在途请求。
  - 信号监听：WaitForShutdown 阻塞等待终止信号或服务错误，
    随后自动触发优雅关闭。

# 使用示例

	m := server.NewManager(handler, server.DefaultConfig(), logger)
	if err := m.Start(); err != nil {
		log.Fatal(err)
	}
	m.WaitForShutdown()

本包为内部包,不应被外部项目导入。
*/
package server
