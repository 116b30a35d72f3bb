// Package config 提供 knowmesh 节点的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → KNOWMESH_* 环境变量 的顺序叠加，
// 切片类型的环境变量以逗号分隔。Validate 汇总全部错误后一次返回。
package config
