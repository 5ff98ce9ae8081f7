//go:build go1.21 && !go1.22

package sc

import _ "unsafe" // for go:linkname

// Go 1.21 removed the sync.fastrand linkname that
// github.com/grailbio/hts/sam's generated free pools pull in, so binaries
// linking that package fail with "relocation target sync.fastrand not
// defined". Re-export runtime.fastrand (the function sync.fastrand always
// aliased) under the old name so those binaries link again. Go 1.22 removes
// runtime.fastrand too, hence the upper build constraint.
//
//go:linkname runtime_fastrand runtime.fastrand
func runtime_fastrand() uint32

//go:linkname sync_fastrand sync.fastrand
func sync_fastrand() uint32 { return runtime_fastrand() }
