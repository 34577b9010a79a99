/*
Copyright (c) 2025 Mike Lane

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

// Package cleanup removes team namespaces that outlived their team.
//
// Team deletion removes the namespace before the catalog rows, so a crash in
// between leaves a namespace the catalog no longer references. The
// scheduler lists every namespace labeled as managed by rangekeeper, reads
// the team identifier from its rangekeeper.io/team-id annotation and deletes
// the namespace when the catalog has neither a team row, a claim nor
// registration progress for it. Namespaces younger than the grace period
// are left alone.
//
// Example usage:
//
//	scheduler := cleanup.NewScheduler(namespaces, store, cleanup.Config{
//		Interval: 5 * time.Minute,
//	})
//	go scheduler.Start(ctx)
package cleanup
