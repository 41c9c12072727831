// Command parcelmap resolves cadastral parcel references into an HTML map.
package main

import "github.com/JakeFAU/parcel-mapper/cmd"

func main() {
	cmd.Execute()
}
