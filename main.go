package main

func main() {
	// 解析命令行并执行 serve / seed / info
	Execute()
}
