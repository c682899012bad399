// Command nvmesim runs storage simulations: an NVMe driver and reference
// controller under a block layer, driven by a synthetic workload.
package main

func main() {
	Execute()
}
