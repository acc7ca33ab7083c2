// Copyright 2026 HashBrotherhood Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// mk-admin-hash generates the bcrypt hash expected in the admin
// passwordHash config (ADMIN_PASSWORD_HASH)
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var cmdlineFlags struct {
	password string
	cost     int
}

func main() {
	flag.StringVar(&cmdlineFlags.password, "password", "", "admin password to hash (read from stdin when empty)")
	flag.IntVar(&cmdlineFlags.cost, "cost", bcrypt.DefaultCost, "bcrypt cost factor")
	flag.Parse()

	password := cmdlineFlags.password
	if password == "" {
		// Reading from stdin keeps the password out of shell history
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			fmt.Printf("ERROR: failed to read password from stdin: %s\n", err)
			os.Exit(1)
		}
		password = strings.TrimRight(line, "\r\n")
	}

	if password == "" {
		fmt.Printf("ERROR: you must specify a password\n")
		os.Exit(1)
	}
	if len(password) > 72 {
		fmt.Printf("ERROR: bcrypt limits passwords to 72 bytes\n")
		os.Exit(1)
	}
	if cmdlineFlags.cost < bcrypt.MinCost || cmdlineFlags.cost > bcrypt.MaxCost {
		fmt.Printf(
			"ERROR: cost must be between %d and %d\n",
			bcrypt.MinCost,
			bcrypt.MaxCost,
		)
		os.Exit(1)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), cmdlineFlags.cost)
	if err != nil {
		fmt.Printf("ERROR: failed to hash password: %s\n", err)
		os.Exit(1)
	}

	fmt.Printf("Password hash: %s\n", hash)
}
