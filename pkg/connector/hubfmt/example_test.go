// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package hubfmt_test

import (
	"fmt"

	"github.com/aiku/telehooper/pkg/connector/hubfmt"
)

func ExampleParse() {
	fmt.Println(hubfmt.Parse(`<b>hello</b> <a href="https://example.com">world</a>`))
	// Output: hello world (https://example.com)
}
