/*
Copyright 2025 Gare Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/garehq/gare/config"
)

// GetStationStatus reports the node's health in one view: central link,
// connection pools and coordinator load.
func (a Api) GetStationStatus(c *gin.Context) {
	conf, err := config.Fetch()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"station_id":  conf.Station.ID,
		"name":        conf.Station.Name,
		"link":        a.link.Status(),
		"coordinator": a.service.Coordinator().Stats(),
		"pools":       a.gateway.Pool().Stats(),
		"connections": a.gateway.Pool().TotalClients(),
	})
}

// PauseCentral stops central reconnection attempts until resumed. A live
// session is left running.
func (a Api) PauseCentral(c *gin.Context) {
	a.link.Pause()
	c.JSON(http.StatusOK, a.link.Status())
}

// ResumeCentral re-enables central reconnection attempts.
func (a Api) ResumeCentral(c *gin.Context) {
	a.link.Resume()
	c.JSON(http.StatusOK, a.link.Status())
}
