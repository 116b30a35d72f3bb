// =============================================================================
// knowmesh 主入口
// =============================================================================
// 联邦知识交换节点：注册、发现、工件交换、跨节点查询与自维护周期
//
// 使用方法:
//
//	knowmesh node register --config knowmesh.yaml   # 注册本节点
//	knowmesh discover --domain ai                    # 按领域发现节点
//	knowmesh query "how do nodes route queries"      # 跨节点查询
//	knowmesh health                                  # 知识健康检查
//	knowmesh propagate --once                        # 执行一次维护周期
//	knowmesh serve                                   # 对外发布工件与注册表
//	knowmesh version                                 # 显示版本信息
//
// 检查类命令的退出码: 0 正常, 1 警告/部分失败, 2 严重/失败, 3 无法执行
// =============================================================================
package main

import (
	"os"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
